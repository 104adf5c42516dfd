package modules

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// maxArchiveBytes caps archives read from disk.
const maxArchiveBytes = 64 << 20

// archiveSource reads an archive given either a path under the work dir or
// the archive bytes themselves.
func (e *Env) archiveSource(fnName string, v starlark.Value) ([]byte, string, error) {
	switch x := v.(type) {
	case starlark.Bytes:
		return []byte(string(x)), "", nil
	case starlark.String:
		p, err := e.resolve(string(x))
		if err != nil {
			return nil, "", fmt.Errorf("%s: %s: %w", fnName, string(x), err)
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", fnName, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxArchiveBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", fnName, err)
		}
		if len(data) > maxArchiveBytes {
			return nil, "", fmt.Errorf("%s: archive exceeds %d bytes", fnName, maxArchiveBytes)
		}
		return data, p, nil
	default:
		return nil, "", fmt.Errorf("%s: expected path or bytes, got %s", fnName, v.Type())
	}
}

func readEntry(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDecompressed+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDecompressed {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxDecompressed)
	}
	return data, nil
}

// --- zipfile ---

// loadZipfile builds a read-only zipfile module. Archives come from paths
// under the work dir or from bytes.
func loadZipfile(env *Env) (*starlarkstruct.Module, error) {
	return newModule("zipfile", starlark.StringDict{
		"ZIP_STORED":   starlark.MakeInt(int(zip.Store)),
		"ZIP_DEFLATED": starlark.MakeInt(int(zip.Deflate)),
		"ZipFile": fn("zipfile.ZipFile", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var file starlark.Value
			mode := "r"
			var compression int
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "file", &file, "mode?", &mode, "compression?", &compression); err != nil {
				return nil, err
			}
			if mode != "r" && mode != "rb" {
				return nil, fmt.Errorf("%s: mode %q is not supported, archives are read-only", b.Name(), mode)
			}
			return env.openZipReader(b.Name(), file)
		}),
		"is_zipfile": fn("zipfile.is_zipfile", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var file starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &file); err != nil {
				return nil, err
			}
			data, _, err := env.archiveSource(b.Name(), file)
			if err != nil {
				return starlark.False, nil
			}
			_, err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
			return starlark.Bool(err == nil), nil
		}),
	}), nil
}

func (e *Env) openZipReader(fnName string, file starlark.Value) (starlark.Value, error) {
	data, path, err := e.archiveSource(fnName, file)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: File is not a zip file", fnName)
	}
	byName := make(map[string]*zip.File, len(zr.File))
	names := make([]string, len(zr.File))
	for i, f := range zr.File {
		names[i] = f.Name
		byName[f.Name] = f
	}
	info := func(f *zip.File) starlark.Value {
		return starlarkstruct.FromStringDict(starlark.String("ZipInfo"), starlark.StringDict{
			"filename":      starlark.String(f.Name),
			"file_size":     starlark.MakeUint64(f.UncompressedSize64),
			"compress_size": starlark.MakeUint64(f.CompressedSize64),
			"compress_type": starlark.MakeInt(int(f.Method)),
			"is_dir":        starlark.Bool(f.FileInfo().IsDir()),
		})
	}
	lookup := func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*zip.File, error) {
		var name string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
			return nil, err
		}
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%s: There is no item named %q in the archive", b.Name(), name)
		}
		return f, nil
	}
	return NewObject("ZipFile", fmt.Sprintf("<zipfile.ZipFile filename=%q mode='r'>", path), starlark.StringDict{
		"filename": starlark.String(path),
		"mode":     starlark.String("r"),
		"namelist": fn("ZipFile.namelist", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return stringList(names), nil
		}),
		"infolist": fn("ZipFile.infolist", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			out := make([]starlark.Value, len(zr.File))
			for i, f := range zr.File {
				out[i] = info(f)
			}
			return starlark.NewList(out), nil
		}),
		"getinfo": fn("ZipFile.getinfo", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			f, err := lookup(b, args, kwargs)
			if err != nil {
				return nil, err
			}
			return info(f), nil
		}),
		"read": fn("ZipFile.read", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			f, err := lookup(b, args, kwargs)
			if err != nil {
				return nil, err
			}
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			defer rc.Close()
			content, err := readEntry(rc)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.Bytes(content), nil
		}),
		"testzip": fn("ZipFile.testzip", noneFunc),
		"close":   fn("ZipFile.close", noneFunc),
	}), nil
}

// --- tarfile ---

type tarEntry struct {
	hdr  *tar.Header
	data []byte
}

func loadTarfile(env *Env) (*starlarkstruct.Module, error) {
	return newModule("tarfile", starlark.StringDict{
		"open": fn("tarfile.open", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name starlark.Value
			mode := "r"
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "mode?", &mode); err != nil {
				return nil, err
			}
			switch mode {
			case "r", "r:", "r:*", "r:gz":
			default:
				return nil, fmt.Errorf("%s: mode %q is not supported", b.Name(), mode)
			}
			data, path, err := env.archiveSource(b.Name(), name)
			if err != nil {
				return nil, err
			}
			entries, err := readTar(data, mode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return newTarObject(path, entries), nil
		}),
		"is_tarfile": fn("tarfile.is_tarfile", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
				return nil, err
			}
			data, _, err := env.archiveSource(b.Name(), name)
			if err != nil {
				return starlark.False, nil
			}
			_, err = readTar(data, "r")
			return starlark.Bool(err == nil), nil
		}),
	}), nil
}

// readTar decodes an archive held in memory. Mode "r" and "r:*" detect
// gzip compression from the magic bytes.
func readTar(data []byte, mode string) ([]tarEntry, error) {
	gzipped := len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
	switch mode {
	case "r:gz":
		gzipped = true
	case "r:":
		gzipped = false
	}
	if gzipped {
		var err error
		if data, err = gunzip(data); err != nil {
			return nil, err
		}
	}
	tr := tar.NewReader(bytes.NewReader(data))
	var entries []tarEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.New("file could not be opened successfully")
		}
		content, err := readEntry(tr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, tarEntry{hdr: hdr, data: content})
	}
	return entries, nil
}

func tarInfo(e tarEntry) starlark.Value {
	return starlarkstruct.FromStringDict(starlark.String("TarInfo"), starlark.StringDict{
		"name":  starlark.String(e.hdr.Name),
		"size":  starlark.MakeInt64(e.hdr.Size),
		"mode":  starlark.MakeInt64(e.hdr.Mode),
		"mtime": starlark.MakeInt64(e.hdr.ModTime.Unix()),
		"isfile": fn("TarInfo.isfile", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bool(e.hdr.Typeflag == tar.TypeReg), nil
		}),
		"isdir": fn("TarInfo.isdir", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bool(e.hdr.Typeflag == tar.TypeDir), nil
		}),
	})
}

func newTarObject(path string, entries []tarEntry) *Object {
	return NewObject("TarFile", fmt.Sprintf("<tarfile.TarFile name=%q>", path), starlark.StringDict{
		"name": starlark.String(path),
		"getnames": fn("TarFile.getnames", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			names := make([]string, len(entries))
			for i, e := range entries {
				names[i] = e.hdr.Name
			}
			return stringList(names), nil
		}),
		"getmembers": fn("TarFile.getmembers", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			out := make([]starlark.Value, len(entries))
			for i, e := range entries {
				out[i] = tarInfo(e)
			}
			return starlark.NewList(out), nil
		}),
		"extractfile": fn("TarFile.extractfile", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var member starlark.Value
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &member); err != nil {
				return nil, err
			}
			name, ok := starlark.AsString(member)
			if !ok {
				if s, isStruct := member.(*starlarkstruct.Struct); isStruct {
					if v, err := s.Attr("name"); err == nil {
						name, _ = starlark.AsString(v)
					}
				}
			}
			for _, e := range entries {
				if e.hdr.Name != name {
					continue
				}
				if e.hdr.Typeflag != tar.TypeReg {
					return starlark.None, nil
				}
				content := e.data
				return NewObject("ExFileObject", "", starlark.StringDict{
					"read": fn("ExFileObject.read", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
						return starlark.Bytes(content), nil
					}),
					"close": fn("ExFileObject.close", noneFunc),
				}), nil
			}
			return nil, fmt.Errorf("%s: filename %q not found", b.Name(), name)
		}),
		"close": fn("TarFile.close", noneFunc),
	})
}
