package client

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// Upload is a local file ready to be relayed.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	File        *os.File

	temp bool
}

// Close releases the file and removes it if it was a temporary archive.
func (u *Upload) Close() error {
	err := u.File.Close()
	if u.temp {
		os.Remove(u.File.Name())
	}
	return err
}

// Prepare turns resolved sources into a single upload. One regular file
// is sent as is; anything else is zipped into a temporary archive first.
func Prepare(sources []Source) (*Upload, error) {
	if len(sources) == 0 {
		return nil, ArgumentError.New("no sources to upload")
	}
	if len(sources) == 1 && sources[0].Kind == SourceFile {
		return openFile(sources[0].Path)
	}

	name := archiveName(sources)
	tmp, err := os.CreateTemp("", "relayctl-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	if err := WriteZip(tmp, sources); err != nil {
		cleanup()
		return nil, err
	}

	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to rewind archive: %w", err)
	}

	return &Upload{
		Name:        name,
		ContentType: "application/zip",
		Size:        info.Size(),
		File:        tmp,
		temp:        true,
	}, nil
}

func openFile(p string) (*Upload, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", p, err)
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to rewind %s: %w", p, err)
	}

	return &Upload{
		Name:        filepath.Base(p),
		ContentType: contentType,
		Size:        info.Size(),
		File:        f,
	}, nil
}

// archiveName is the directory's name for a single directory, or a
// timestamped name for a mixed selection.
func archiveName(sources []Source) string {
	if len(sources) == 1 {
		return filepath.Base(sources[0].Path) + ".zip"
	}
	return fmt.Sprintf("upload_%s.zip", time.Now().Format("2006_01_02_150405"))
}

// WriteZip archives sources into w. Each source becomes a top-level entry;
// directories keep their structure below it.
func WriteZip(w io.Writer, sources []Source) error {
	zw := zip.NewWriter(w)

	for _, p := range sources {
		base := filepath.Base(p.Path)
		if p.Kind == SourceFile {
			if err := addFileToZip(zw, p.Path, base); err != nil {
				zw.Close()
				return err
			}
			continue
		}

		err := filepath.WalkDir(p.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(p.Path, path)
			if err != nil {
				return err
			}
			return addFileToZip(zw, path, filepath.ToSlash(filepath.Join(base, rel)))
		})
		if err != nil {
			zw.Close()
			return fmt.Errorf("failed to archive %s: %w", p.Path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}
