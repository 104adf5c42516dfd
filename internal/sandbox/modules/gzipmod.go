package modules

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxDecompressed caps gzip.decompress output.
const maxDecompressed = 64 << 20

func loadGzip(_ *Env) (*starlarkstruct.Module, error) {
	return newModule("gzip", starlark.StringDict{
		"compress": fn("gzip.compress", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var data starlark.Value
			level := gzip.BestCompression
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data, "compresslevel?", &level); err != nil {
				return nil, err
			}
			raw, err := bytesOf(b.Name(), data)
			if err != nil {
				return nil, err
			}
			var buf bytes.Buffer
			w, err := gzip.NewWriterLevel(&buf, level)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			if _, err := w.Write(raw); err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.Bytes(buf.String()), nil
		}),
		"decompress": fn("gzip.decompress", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var data starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
				return nil, err
			}
			raw, err := bytesOf(b.Name(), data)
			if err != nil {
				return nil, err
			}
			out, err := gunzip(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.Bytes(out), nil
		}),
	}), nil
}

func gunzip(raw []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecompressed {
		return nil, fmt.Errorf("decompressed data exceeds %d bytes", maxDecompressed)
	}
	return out, nil
}
