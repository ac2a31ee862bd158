// Package downloader streams a remote artifact to the local downloads
// directory, verifying its MD5 digest as it writes, grounded in the
// original agent's SecureFileDownloader.
package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/iotali/device-agent/internal/errs"
	"github.com/iotali/device-agent/internal/logx"
)

var log = logx.With("downloader")

const chunkSize = 1 << 20 // 1 MiB

// Result is the outcome of a successful download.
type Result struct {
	Path string
	Size int64
	MD5  string
}

// Downloader streams artifacts into baseDir.
type Downloader struct {
	baseDir string
	client  *http.Client
}

// New creates a Downloader rooted at baseDir, creating it if absent.
func New(baseDir string) (*Downloader, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("downloader: mkdir %s: %w", baseDir, err)
	}
	return &Downloader{
		baseDir: baseDir,
		client:  &http.Client{Timeout: 0}, // streaming: caller controls via ctx
	}, nil
}

// Download streams url to disk under baseDir, verifying expectedMD5 when
// non-empty. On any failure the partial file is removed and the error is
// classified via errs.Classify.
func (d *Downloader) Download(ctx context.Context, url, expectedMD5, saveName string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", "SecureDownloader/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, errs.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, errs.Classify(fmt.Errorf("%s", resp.Status))
	}

	path := d.savePath(resp, saveName)

	result, err := d.stream(resp.Body, path, expectedMD5)
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(path)
		}
		return Result{}, errs.Classify(err)
	}
	return result, nil
}

func (d *Downloader) stream(body io.Reader, path, expectedMD5 string) (Result, error) {
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	hash := md5.New()
	var size int64
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return Result{}, fmt.Errorf("write %s: %w", path, werr)
			}
			hash.Write(buf[:n])
			size += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read body: %w", err)
		}
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if expectedMD5 != "" && actual != expectedMD5 {
		return Result{}, fmt.Errorf("MD5校验失败: %s vs %s", actual, expectedMD5)
	}
	return Result{Path: path, Size: size, MD5: actual}, nil
}

func (d *Downloader) savePath(resp *http.Response, saveName string) string {
	if saveName != "" {
		return filepath.Join(d.baseDir, saveName)
	}
	if disp := resp.Header.Get("Content-Disposition"); strings.Contains(disp, "filename=") {
		parts := strings.SplitN(disp, "filename=", 2)
		name := strings.Trim(parts[1], `"`)
		if name != "" {
			return filepath.Join(d.baseDir, name)
		}
	}
	name := fmt.Sprintf("file_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
	log.WithField("name", name).Debug("no filename hint, generated random name")
	return filepath.Join(d.baseDir, name)
}
