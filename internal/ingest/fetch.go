package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"genpaper/internal/util"
)

// Fetcher downloads source PDFs over http(s). file:// URLs are read only when they
// point inside localRoot, which is the inbox directory.
type Fetcher struct {
	http      *http.Client
	maxBytes  int64
	localRoot string
}

func NewFetcher(maxBytes int64, localRoot string) *Fetcher {
	return &Fetcher{http: &http.Client{Timeout: 90 * time.Second}, maxBytes: maxBytes, localRoot: localRoot}
}

// resolve returns the local path for file:// sources and rejects anything that is
// neither an inbox file nor a remote http(s) URL.
func (f *Fetcher) resolve(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "file://") {
		p, err := util.LocalPathUnder(f.localRoot, raw)
		return p, true, err
	}
	return "", false, util.CheckRemoteURL(raw)
}

// Size issues a HEAD request. Unknown sizes are reported as 0.
func (f *Fetcher) Size(ctx context.Context, sourceURL string) (int64, error) {
	p, local, err := f.resolve(sourceURL)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", sourceURL, err)
	}
	if local {
		st, err := os.Stat(p)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", p, err)
		}
		return st.Size(), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build head request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", sourceURL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("head %s: status %d", sourceURL, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	p, local, err := f.resolve(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	if local {
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if f.maxBytes > 0 && st.Size() > f.maxBytes {
			return nil, fmt.Errorf("%s is %d bytes, limit %d", p, st.Size(), f.maxBytes)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", sourceURL, resp.StatusCode)
	}
	limit := f.maxBytes
	if limit <= 0 {
		limit = 50 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("download %s: exceeds %d bytes", sourceURL, limit)
	}
	return data, nil
}
