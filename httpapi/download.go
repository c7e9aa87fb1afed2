package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/isdmx/testbox/sandbox"
)

// downloadTimeout bounds fetching test_files_url.
const downloadTimeout = 30 * time.Second

// DownloadError means the test archive could not be fetched or unpacked.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("failed to download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader fetches test archives over HTTP(S).
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// NewDownloader creates a Downloader reading at most maxBytes per archive.
func NewDownloader(client *http.Client, maxBytes int64) *Downloader {
	return &Downloader{client: client, maxBytes: maxBytes}
}

// checkURL accepts absolute http(s) URLs only.
func checkURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("test_files_url must be an absolute http(s) URL, got %q", rawURL)
	}
	return u, nil
}

// Fetch downloads rawURL and extracts it into a payload map. A URL that is
// not absolute http(s) is rejected as is; every later failure is a
// *DownloadError.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (map[string]string, error) {
	u, err := checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	if int64(len(data)) > d.maxBytes {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("test archive exceeds %d bytes", d.maxBytes)}
	}

	files, err := sandbox.ExtractArchive(data, d.maxBytes)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("invalid test archive: %w", err)}
	}
	return files, nil
}
