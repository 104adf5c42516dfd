package sandbox

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCaptureOutput(t *testing.T) {
	c := Acquire(0)
	io.WriteString(c.Stdout(), "a\n")
	if got := c.Output(); got != "a\n" {
		t.Errorf("Output() = %q, want %q", got, "a\n")
	}
	io.WriteString(c.Stderr(), "boom\n")
	if got := c.Output(); got != "a\n\nErrors:\nboom\n" {
		t.Errorf("Output() = %q", got)
	}
	if c.Len() != len("a\n")+len("boom\n") {
		t.Errorf("Len() = %d", c.Len())
	}
}

func TestCaptureLimit(t *testing.T) {
	c := Acquire(4)
	n, err := io.WriteString(c.Stdout(), "abcdefgh")
	if err != nil {
		t.Fatalf("write error: %v", err)
	}
	if n != 8 {
		t.Errorf("write n = %d, want 8", n)
	}
	io.WriteString(c.Stdout(), "more")
	if got := c.Output(); got != "abcd" {
		t.Errorf("Output() = %q, want %q", got, "abcd")
	}
}

func TestCaptureReleaseOnce(t *testing.T) {
	c := Acquire(0)
	if err := c.Release(); err != nil {
		t.Fatalf("first Release error: %v", err)
	}
	if err := c.Release(); !errors.Is(err, ErrStreamRestore) {
		t.Errorf("second Release error = %v, want ErrStreamRestore", err)
	}
}

func TestCapturesAreIndependent(t *testing.T) {
	a, b := Acquire(0), Acquire(0)
	io.WriteString(a.Stdout(), "a")
	io.WriteString(b.Stderr(), "b")
	if a.Output() != "a" || !strings.HasSuffix(b.Output(), "b") || strings.Contains(a.Output(), "b") {
		t.Errorf("captures leaked: a=%q b=%q", a.Output(), b.Output())
	}
}
