// Package archive inspects and extracts ZIP/RAR/7Z upgrade bundles,
// flattening a single top-level directory into the target path the way the
// original agent's ArchiveHandler did.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode"

	"github.com/iotali/device-agent/internal/errs"
	"github.com/iotali/device-agent/internal/logx"
)

var log = logx.With("archive")

// Format identifies the archive codec.
type Format string

const (
	FormatZip Format = "zip"
	FormatRar Format = "rar"
	Format7z  Format = "7z"
)

// Info is the result of Inspect.
type Info struct {
	Format       Format
	SingleTopDir bool
	TopDirName   string
	FileCount    int
	Names        []string
}

func formatFromExt(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return FormatZip, nil
	case ".rar":
		return FormatRar, nil
	case ".7z", ".7zip":
		return Format7z, nil
	default:
		return "", fmt.Errorf("%w: %s", errs.ErrUnsupportedArchive, filepath.Ext(path))
	}
}

func names(path string, format Format) ([]string, error) {
	switch format {
	case FormatZip:
		r, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
		}
		defer r.Close()
		out := make([]string, 0, len(r.File))
		for _, f := range r.File {
			out = append(out, f.Name)
		}
		return out, nil
	case FormatRar:
		r, err := rardecode.OpenReader(path, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
		}
		defer r.Close()
		var out []string
		for {
			hdr, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
			}
			out = append(out, hdr.Name)
		}
		return out, nil
	case Format7z:
		r, err := sevenzip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
		}
		defer r.Close()
		out := make([]string, 0, len(r.File))
		for _, f := range r.File {
			out = append(out, f.Name)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedArchive, format)
	}
}

// Inspect analyzes the archive at path, deciding whether it contains a
// single top-level directory.
func Inspect(path string) (Info, error) {
	format, err := formatFromExt(path)
	if err != nil {
		return Info{}, err
	}
	all, err := names(path, format)
	if err != nil {
		return Info{}, err
	}

	topDirs := make(map[string]struct{})
	hasRootFile := false
	for _, name := range all {
		norm := strings.ReplaceAll(name, `\`, "/")
		parts := strings.Split(norm, "/")
		if len(parts) > 1 && parts[0] != "" {
			topDirs[parts[0]] = struct{}{}
			continue
		}
		if strings.Contains(parts[len(parts)-1], ".") {
			hasRootFile = true
		} else if parts[0] != "" {
			topDirs[parts[0]] = struct{}{}
		}
	}

	info := Info{
		Format:    format,
		FileCount: len(all),
		Names:     all,
	}
	if len(topDirs) == 1 && !hasRootFile {
		info.SingleTopDir = true
		for d := range topDirs {
			info.TopDirName = d
		}
	}
	return info, nil
}

// Extract decompresses the archive at srcPath into targetDir, flattening a
// single top-level directory away. Any pre-existing targetDir is removed
// first; a partially-created targetDir is removed on failure.
func Extract(srcPath, targetDir string) error {
	if _, err := os.Stat(targetDir); err == nil {
		if err := os.RemoveAll(targetDir); err != nil {
			return fmt.Errorf("%w: remove existing target: %v", errs.ErrArchiveCorrupt, err)
		}
		log.WithField("target", targetDir).Warn("removed existing target directory")
	}

	info, err := Inspect(srcPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(targetDir), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", targetDir, err)
	}

	extractTo := targetDir
	if info.SingleTopDir {
		extractTo = filepath.Dir(targetDir)
	}

	if err := extractAll(srcPath, info.Format, extractTo); err != nil {
		_ = os.RemoveAll(targetDir)
		return fmt.Errorf("%w: %v", errs.ErrArchiveCorrupt, err)
	}

	if info.SingleTopDir {
		extracted := filepath.Join(extractTo, info.TopDirName)
		if extracted != targetDir {
			if err := os.Rename(extracted, targetDir); err != nil {
				_ = os.RemoveAll(targetDir)
				return fmt.Errorf("%w: rename %s to %s: %v", errs.ErrArchiveCorrupt, extracted, targetDir, err)
			}
		}
	}

	log.WithField("target", targetDir).Info("archive extracted")
	return nil
}

func extractAll(srcPath string, format Format, destDir string) error {
	switch format {
	case FormatZip:
		return extractZip(srcPath, destDir)
	case FormatRar:
		return extractRar(srcPath, destDir)
	case Format7z:
		return extract7z(srcPath, destDir)
	default:
		return fmt.Errorf("%w: %s", errs.ErrUnsupportedArchive, format)
	}
}

func extractZip(srcPath, destDir string) error {
	r, err := zip.OpenReader(srcPath)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		if err := extractEntry(destDir, f.Name, f.FileInfo().IsDir(), func() (io.ReadCloser, error) {
			return f.Open()
		}); err != nil {
			return err
		}
	}
	return nil
}

func extractRar(srcPath, destDir string) error {
	r, err := rardecode.OpenReader(srcPath, "")
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := extractEntry(destDir, hdr.Name, hdr.IsDir, func() (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		}); err != nil {
			return err
		}
	}
}

func extract7z(srcPath, destDir string) error {
	r, err := sevenzip.OpenReader(srcPath)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		if err := extractEntry(destDir, f.Name, f.FileInfo().IsDir(), func() (io.ReadCloser, error) {
			return f.Open()
		}); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(destDir, name string, isDir bool, open func() (io.ReadCloser, error)) error {
	norm := strings.ReplaceAll(name, `\`, "/")
	cleaned := filepath.Clean(norm)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("archive entry escapes target: %s", name)
	}
	dest := filepath.Join(destDir, cleaned)

	if isDir {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}
