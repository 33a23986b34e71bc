package transform

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/internal/procerr"
)

func TestMain(m *testing.M) {
	zlog.Init()
	m.Run()
}

func TestTransformSuccess(t *testing.T) {
	var gotFormat, gotQuality, gotWidth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFormat = r.Header.Get("X-Output-Format")
		gotQuality = r.Header.Get("X-Quality")
		gotWidth = r.Header.Get("X-Width")

		body, _ := io.ReadAll(r.Body)
		if string(body) != "source-bytes" {
			t.Errorf("backend received %q, want source bytes", body)
		}
		_, _ = w.Write([]byte("converted-bytes"))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, false)
	out, err := c.Transform(context.Background(), Request{
		Source:       []byte("source-bytes"),
		OutputFormat: "webp",
		Quality:      80,
		Width:        150,
		Height:       150,
	})
	if err != nil {
		t.Fatalf("Transform error: %v", err)
	}

	if string(out) != "converted-bytes" {
		t.Errorf("out = %q, want backend response", out)
	}
	if gotFormat != "webp" || gotQuality != "80" || gotWidth != "150" {
		t.Errorf("headers = %s/%s/%s, want webp/80/150", gotFormat, gotQuality, gotWidth)
	}
}

func TestTransformClassifiesBackendStatus(t *testing.T) {
	cases := []struct {
		status int
		want   procerr.Category
	}{
		{http.StatusTooManyRequests, procerr.CategoryRateLimited},
		{http.StatusBadGateway, procerr.CategoryUpstreamUnavailable},
		{http.StatusInternalServerError, procerr.CategoryUpstreamUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))

		c := New(srv.URL, 5*time.Second, false)
		_, err := c.Transform(context.Background(), Request{Source: []byte("x"), OutputFormat: "webp"})
		if got := procerr.CategoryOf(err); got != tc.want {
			t.Errorf("status %d: category = %s, want %s", tc.status, got, tc.want)
		}
		if !procerr.Retryable(err) {
			t.Errorf("status %d must be retryable", tc.status)
		}
		srv.Close()
	}
}

func TestTransformEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, false)
	_, err := c.Transform(context.Background(), Request{Source: []byte("x"), OutputFormat: "webp"})
	if got := procerr.CategoryOf(err); got != procerr.CategoryUpstreamUnavailable {
		t.Fatalf("category = %s, want %s", got, procerr.CategoryUpstreamUnavailable)
	}
}

func TestTransformFallbackPassesSourceThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, true)
	out, err := c.Transform(context.Background(), Request{Source: []byte("original"), OutputFormat: "webp"})
	if err != nil {
		t.Fatalf("fallback should swallow the failure, got %v", err)
	}
	if string(out) != "original" {
		t.Errorf("out = %q, want source passed through", out)
	}
}

func TestTransformFallbackDoesNotMaskNonRetryable(t *testing.T) {
	// A request that cannot even be built is a caller bug, not a degraded
	// backend; fallback must not hide it.
	c := New("://bad-url", 5*time.Second, true)
	_, err := c.Transform(context.Background(), Request{Source: []byte("x"), OutputFormat: "webp"})
	if err == nil {
		t.Fatal("expected error for unbuildable request")
	}
	if procerr.Retryable(err) {
		t.Errorf("err = %v, want non-retryable", err)
	}
}

func TestTransformNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(srv.URL, time.Second, false)
	_, err := c.Transform(context.Background(), Request{Source: []byte("x"), OutputFormat: "webp"})
	if !procerr.Retryable(err) {
		t.Fatalf("err = %v, want retryable transport failure", err)
	}
}
