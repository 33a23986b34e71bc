// Package transform calls the external image-transform backend. The actual
// pixel work is delegated entirely to that service; this adapter only moves
// bytes, classifies failures, and optionally degrades to passing the source
// through unmodified.
package transform

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/procerr"
)

// Request describes one transform call. Zero-valued dimensions mean the
// backend keeps the source dimensions.
type Request struct {
	Source       []byte
	OutputFormat string // "webp" | "jpeg"
	Quality      int
	Width        int
	Height       int
}

// Client is an HTTP adapter for the transform backend.
type Client struct {
	url      string
	httpc    *http.Client
	fallback bool
}

// New creates a Client. Every call is bounded by timeout; timeouts classify
// as retryable. When fallback is enabled, a failed transform returns the
// source bytes unmodified instead of an error (degraded but available).
func New(url string, timeout time.Duration, fallback bool) *Client {
	return &Client{
		url:      url,
		httpc:    &http.Client{Timeout: timeout},
		fallback: fallback,
	}
}

// Transform posts the source bytes to the backend and returns the transformed
// bytes. Any transport failure or non-200 response is retryable; with
// fallback enabled it is swallowed and the source bytes are returned instead.
func (c *Client) Transform(ctx context.Context, req Request) ([]byte, error) {
	out, err := c.call(ctx, req)
	if err == nil {
		return out, nil
	}

	if c.fallback && procerr.Retryable(err) {
		zlog.Logger.Warn().Err(err).
			Str("output_format", req.OutputFormat).
			Msg("transform backend failed, passing source through unmodified")
		return req.Source, nil
	}

	return nil, err
}

func (c *Client) call(ctx context.Context, req Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(req.Source))
	if err != nil {
		return nil, procerr.Wrap(procerr.CategoryValidationFailed, "failed to build transform request", err)
	}

	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("X-Output-Format", req.OutputFormat)
	if req.Quality > 0 {
		httpReq.Header.Set("X-Quality", strconv.Itoa(req.Quality))
	}
	if req.Width > 0 {
		httpReq.Header.Set("X-Width", strconv.Itoa(req.Width))
	}
	if req.Height > 0 {
		httpReq.Header.Set("X-Height", strconv.Itoa(req.Height))
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		cat := procerr.CategoryNetwork
		if ctx.Err() != nil || isTimeout(err) {
			cat = procerr.CategoryTimeout
		}
		return nil, procerr.Wrap(cat, "transform request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, procerr.Newf(procerr.FromHTTPStatus(resp.StatusCode),
			"transform backend returned %d", resp.StatusCode)
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, procerr.Wrap(procerr.CategoryNetwork, "failed to read transform response", err)
	}
	if len(out) == 0 {
		return nil, procerr.New(procerr.CategoryUpstreamUnavailable, "transform backend returned empty body")
	}

	return out, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
