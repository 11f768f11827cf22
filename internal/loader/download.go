package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"tickvault/logger"
)

var ErrDownload = errors.New("download failed")

// DownloadError reports a failed archive fetch. The partial file has
// already been removed when it is returned.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDownload}
	}
	return []error{ErrDownload, e.Err}
}

// Downloader fetches monthly archives into the local data directory.
type Downloader struct {
	baseURL string
	dataDir string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewDownloader(baseURL, dataDir string, timeout time.Duration, requestsPerSecond, burst int) *Downloader {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Downloader{
		baseURL: baseURL,
		dataDir: dataDir,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		log:     logger.GetLogger(),
	}
}

// Ensure returns the local path of the archive, downloading it first when
// it is not present.
func (d *Downloader) Ensure(ctx context.Context, symbol string, kind Kind, ym YearMonth) (string, error) {
	path := ArchivePath(d.dataDir, symbol, kind, ym)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}

	url := ArchiveURL(d.baseURL, symbol, kind, ym)
	log := d.log.WithComponent("downloader").WithFields(logger.Fields{
		"symbol": symbol,
		"kind":   kind.String(),
		"month":  ym.String(),
		"url":    url,
	})

	if err := d.limiter.Wait(ctx); err != nil {
		return "", &DownloadError{URL: url, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	start := time.Now()
	n, err := d.fetch(ctx, url, path)
	if err != nil {
		log.WithError(err).Warn("archive download failed")
		return "", err
	}

	logger.LogPerformanceEntry(log, "downloader", "download_archive", time.Since(start), logger.Fields{"bytes": n})
	return path, nil
}

func (d *Downloader) fetch(ctx context.Context, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &DownloadError{URL: url, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &DownloadError{URL: url, StatusCode: resp.StatusCode}
	}

	part := path + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return 0, &DownloadError{URL: url, Err: err}
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("move %s: %w", part, err)
	}
	return n, nil
}
