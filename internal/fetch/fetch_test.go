package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "metaextract-test" {
			t.Errorf("user agent not sent")
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer srv.Close()

	c := &Client{UserAgent: "metaextract-test", MaxAttempts: 2, PerRequestTimeout: 2 * time.Second, TempDir: t.TempDir()}
	d, err := c.Fetch(context.Background(), srv.URL+"/data/table.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Cleanup()
	b, err := os.ReadFile(d.Path)
	if err != nil || string(b) != "a,b\n1,2\n" {
		t.Fatalf("body=%q err=%v", b, err)
	}
	if d.Name != "table.csv" || d.Size != 8 || d.ContentType != "text/csv" {
		t.Fatalf("download=%+v", d)
	}
	d.Cleanup()
	if _, err := os.Stat(d.Path); !os.IsNotExist(err) {
		t.Fatalf("cleanup left the file behind")
	}
}

func TestFetch_ContentDispositionName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="../report.pdf"`)
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()
	c := &Client{TempDir: t.TempDir()}
	d, err := c.Fetch(context.Background(), srv.URL+"/dl?id=1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer d.Cleanup()
	if d.Name != "report.pdf" {
		t.Fatalf("name=%q", d.Name)
	}
}

func TestFetch_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(502)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := &Client{MaxAttempts: 2, PerRequestTimeout: 2 * time.Second, TempDir: t.TempDir()}
	d, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	d.Cleanup()
	if calls.Load() != 2 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestFetch_NoRetryOn404(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(404)
	}))
	defer srv.Close()
	c := &Client{MaxAttempts: 3, TempDir: t.TempDir()}
	if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("404 retried %d times", calls.Load())
	}
}

func TestFetch_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		// Chunked encoding hides the length, so the copy must enforce the cap.
		w.(http.Flusher).Flush()
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()
	dir := t.TempDir()
	c := &Client{MaxBytes: 10, TempDir: dir}
	_, err := c.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("partial download left behind")
	}
}

func TestFetch_RejectsNonHTTP(t *testing.T) {
	c := &Client{MaxAttempts: 1, PerRequestTimeout: time.Second}
	if _, err := c.Fetch(context.Background(), "file:///etc/hosts"); err == nil {
		t.Fatalf("expected error for non-http scheme")
	}
	if IsRemote("/etc/hosts") || IsRemote("file:///etc/hosts") || !IsRemote("https://example.com/a") {
		t.Fatalf("IsRemote misclassifies refs")
	}
}

func TestFetch_RedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := &Client{MaxAttempts: 1, PerRequestTimeout: 2 * time.Second, RedirectMaxHops: 1, TempDir: t.TempDir()}
	if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected redirect limit error")
	}
}

func TestFetch_MaxConcurrent(t *testing.T) {
	var inFlight, maxObserved int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		curr := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxObserved)
			if curr <= prev || atomic.CompareAndSwapInt32(&maxObserved, prev, curr) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	c := &Client{MaxAttempts: 1, PerRequestTimeout: 2 * time.Second, MaxConcurrent: 2, TempDir: t.TempDir()}
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d, err := c.Fetch(context.Background(), srv.URL); err == nil {
				d.Cleanup()
			}
		}()
	}
	close(start)
	wg.Wait()
	if maxObserved > 2 {
		t.Fatalf("expected max concurrency <= 2, got %d", maxObserved)
	}
}
