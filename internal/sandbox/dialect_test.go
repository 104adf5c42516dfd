package sandbox

import (
	"errors"
	"strings"
	"testing"

	"go.starlark.net/syntax"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"plain", "import json", `json = __import__("json")`},
		{"multiple", "import json, math", `json = __import__("json"); math = __import__("math")`},
		{"dotted binds root", "import os.path", `os = __import__("os.path")`},
		{"alias", "import json as j", `j = __import__("json")`},
		{"dotted alias binds leaf", "    import os.path as p  # paths", `    p = __import__("os.path", fromlist=["*"])`},
		{"from", "from os import path, sep as s",
			`path = __import__("os", fromlist=["path"]).path; s = __import__("os", fromlist=["sep"]).sep`},
		{"semicolon tail", "x = 1; import json", `x = 1; json = __import__("json")`},
		{"future", "from __future__ import annotations", "pass"},
		{"string untouched", `print("import os")`, `print("import os")`},
		{"identifier prefix", "important = 1", "important = 1"},
		{"from_ prefix", "from_x = 2", "from_x = 2"},
		{"compound if", "if debug: import json", `if debug: json = __import__("json")`},
		{"compound else tail", "    else: from os import path; x = 1",
			`    else: path = __import__("os", fromlist=["path"]).path; x = 1`},
		{"compound dict body untouched", `if x: y = {"import": 1}`, `if x: y = {"import": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Translate("<string>", tt.src)
			if err != nil {
				t.Fatalf("Translate error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Translate(%q) = %q, want %q", tt.src, got, tt.want)
			}
		})
	}
}

func TestTranslatePreservesLineNumbers(t *testing.T) {
	src := "from math import (\n    sqrt,\n    pi,\n)\nprint(pi)"
	got, err := Translate("<string>", src)
	if err != nil {
		t.Fatalf("Translate error: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), got)
	}
	want := `sqrt = __import__("math", fromlist=["sqrt"]).sqrt; pi = __import__("math", fromlist=["pi"]).pi`
	if lines[0] != want {
		t.Errorf("line 1 = %q, want %q", lines[0], want)
	}
	if lines[4] != "print(pi)" {
		t.Errorf("line 5 = %q, want %q", lines[4], "print(pi)")
	}
}

func TestTranslateBackslashContinuation(t *testing.T) {
	got, err := Translate("<string>", "import json, \\\n    math\nx = 1")
	if err != nil {
		t.Fatalf("Translate error: %v", err)
	}
	want := "json = __import__(\"json\"); math = __import__(\"math\")\n\nx = 1"
	if got != want {
		t.Errorf("Translate = %q, want %q", got, want)
	}
}

func TestTranslateSkipsTripleQuotedStrings(t *testing.T) {
	src := "doc = \"\"\"\nimport os\n\"\"\"\nimport json"
	got, err := Translate("<string>", src)
	if err != nil {
		t.Fatalf("Translate error: %v", err)
	}
	want := "doc = \"\"\"\nimport os\n\"\"\"\njson = __import__(\"json\")"
	if got != want {
		t.Errorf("Translate = %q, want %q", got, want)
	}
}

func TestTranslateErrors(t *testing.T) {
	tests := []struct {
		src     string
		wantMsg string
	}{
		{"x = 1\nfrom math import *", "wildcard imports are not supported"},
		{"from . import sibling", "relative imports are not supported"},
		{"from .pkg import x", "relative imports are not supported"},
		{"import 9lives", "invalid import statement"},
	}
	for _, tt := range tests {
		_, err := Translate("<string>", tt.src)
		if err == nil {
			t.Errorf("Translate(%q): expected error", tt.src)
			continue
		}
		var se syntax.Error
		if !errors.As(err, &se) {
			t.Errorf("Translate(%q) error type = %T, want syntax.Error", tt.src, err)
			continue
		}
		if !strings.Contains(se.Msg, tt.wantMsg) {
			t.Errorf("Translate(%q) error = %q, want it to contain %q", tt.src, se.Msg, tt.wantMsg)
		}
	}

	_, err := Translate("<string>", "x = 1\nfrom math import *")
	var se syntax.Error
	if errors.As(err, &se) && se.Pos.Line != 2 {
		t.Errorf("error line = %d, want 2", se.Pos.Line)
	}
}

func TestSplitCompound(t *testing.T) {
	tests := []struct {
		stmt   string
		header string
		body   string
		ok     bool
	}{
		{"if a: import b", "if a:", "import b", true},
		{"for k in {1: 2}: pass", "for k in {1: 2}:", "pass", true},
		{"def f(x): return x", "def f(x):", "return x", true},
		{"if a:", "", "", false},
		{"x = {1: 2}", "", "", false},
		{"iffy: import b", "", "", false},
	}
	for _, tt := range tests {
		header, body, ok := splitCompound(tt.stmt)
		if header != tt.header || body != tt.body || ok != tt.ok {
			t.Errorf("splitCompound(%q) = %q, %q, %v; want %q, %q, %v",
				tt.stmt, header, body, ok, tt.header, tt.body, tt.ok)
		}
	}
}

func TestUnsupportedConstruct(t *testing.T) {
	tests := []struct {
		src  string
		line int32
		col  int32
		want string
		ok   bool
	}{
		{"class A:\n    pass", 1, 6, "class definition", true},
		{"x = 1\nprint(x is not None)", 2, 10, "'is' operator", true},
		{"print(\"class\")", 1, 7, "", false},
		{"x = 1 # try this", 1, 3, "", false},
		{"y = assert_ok", 1, 5, "", false},
		{"print(\"a\"", 5, 1, "", false},
	}
	for _, tt := range tests {
		perr := syntax.Error{Pos: syntax.MakePosition(nil, tt.line, tt.col), Msg: "got illegal token"}
		got, ok := unsupportedConstruct(tt.src, perr)
		if got != tt.want || ok != tt.ok {
			t.Errorf("unsupportedConstruct(%q) = %q, %v; want %q, %v", tt.src, got, ok, tt.want, tt.ok)
		}
	}
}
