package client

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// ArgumentError classifies problems with the paths given on the command line.
var ArgumentError = errs.Class("argument")

type SourceKind int

const (
	SourceFile SourceKind = iota
	SourceDir
)

// Source is one command-line path resolved for upload.
type Source struct {
	Path  string
	Kind  SourceKind
	Size  int64 // bytes of regular files, summed below a directory
	Files int
}

// ResolveSources turns command-line paths into upload sources. Only regular
// files and directories holding at least one regular file are accepted. No
// path may repeat, sit inside another one or share another's base name, so
// every file lands in the archive exactly once.
func ResolveSources(args []string) ([]Source, error) {
	if len(args) == 0 {
		return nil, ArgumentError.New("no paths provided")
	}

	out := make([]Source, 0, len(args))
	for _, raw := range args {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return nil, ArgumentError.New("%s: %v", raw, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, ArgumentError.New("%s: not found or not accessible", raw)
		}

		for _, prev := range out {
			if covers(prev, abs) || (info.IsDir() && covers(Source{Path: abs, Kind: SourceDir}, prev.Path)) {
				return nil, ArgumentError.New("%s: overlaps %s", raw, prev.Path)
			}
			if filepath.Base(prev.Path) == filepath.Base(abs) {
				return nil, ArgumentError.New("%s: same name as %s", raw, prev.Path)
			}
		}

		var src Source
		switch {
		case info.Mode().IsRegular():
			src = Source{Path: abs, Kind: SourceFile, Size: info.Size(), Files: 1}
		case info.IsDir():
			src, err = walkSource(abs)
			if err != nil {
				return nil, ArgumentError.New("%s: %v", raw, err)
			}
			if src.Files == 0 {
				return nil, ArgumentError.New("%s: directory contains no files", raw)
			}
		default:
			return nil, ArgumentError.New("%s: not a regular file or directory", raw)
		}
		out = append(out, src)
	}

	return out, nil
}

// Totals sums the sizes and file counts of sources.
func Totals(sources []Source) (size int64, files int) {
	for _, s := range sources {
		size += s.Size
		files += s.Files
	}
	return size, files
}

// covers reports whether p is s itself or lies below directory s.
func covers(s Source, p string) bool {
	if s.Path == p {
		return true
	}
	return s.Kind == SourceDir && strings.HasPrefix(p, s.Path+string(filepath.Separator))
}

func walkSource(dir string) (Source, error) {
	src := Source{Path: dir, Kind: SourceDir}
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		src.Size += info.Size()
		src.Files++
		return nil
	})
	return src, err
}
