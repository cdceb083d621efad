package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dejobratic/purchasesync/internal/cachekey"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/storage/memory"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *memory.Store) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := memory.NewStore()
	client, err := New(Config{BaseURL: server.URL, APIKey: "key", Version: "1.0.0", Timeout: 5 * time.Second}, store, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return client, store
}

func TestConditionalRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("serves 304 from the stored record", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				if got := r.Header.Get(ETagHeader); got != "" {
					t.Errorf("expected empty validator on first request, got %q", got)
				}
				w.Header().Set(ETagHeader, "etag-1")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"subscriber":{"original_app_user_id":"u"}}`))
				return
			}
			if got := r.Header.Get(ETagHeader); got != "etag-1" {
				t.Errorf("expected stored validator, got %q", got)
			}
			if r.Header.Get(LastRefreshTimeHeader) == "" {
				t.Error("expected last refresh time header")
			}
			w.WriteHeader(http.StatusNotModified)
		})

		req := Request{Method: http.MethodGet, Path: "/subscribers/u"}
		first, err := client.Do(ctx, req)
		if err != nil {
			t.Fatalf("first Do() failed: %v", err)
		}

		second, err := client.Do(ctx, req)
		if err != nil {
			t.Fatalf("second Do() failed: %v", err)
		}

		if second.StatusCode != http.StatusOK {
			t.Errorf("expected stored status 200, got %d", second.StatusCode)
		}
		if string(second.Body) != string(first.Body) {
			t.Errorf("expected stored body, got %s", second.Body)
		}
		if second.Origin != OriginCache {
			t.Errorf("expected cache origin, got %s", second.Origin)
		}
	})

	t.Run("retries once with forced refresh on 304 without record", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			if got := r.Header.Get(ETagHeader); got != "" {
				t.Errorf("expected empty validator on retry, got %q", got)
			}
			w.Header().Set(ETagHeader, "etag-2")
			_, _ = w.Write([]byte(`{"ok":true}`))
		})

		resp, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/offerings", Serial: true})
		if err != nil {
			t.Fatalf("Do() failed: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200 after retry, got %d", resp.StatusCode)
		}
		if calls.Load() != 2 {
			t.Errorf("expected 2 network calls, got %d", calls.Load())
		}
	})

	t.Run("gives up after the retry also returns 304", func(t *testing.T) {
		var calls atomic.Int32
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotModified)
		})

		resp, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/offerings"})
		if !errors.Is(err, domain.ErrUnchangedUncacheable) {
			t.Fatalf("expected ErrUnchangedUncacheable, got %v", err)
		}
		if resp == nil || resp.StatusCode != http.StatusNotModified {
			t.Errorf("expected raw 304 response, got %+v", resp)
		}
		if calls.Load() != 2 {
			t.Errorf("expected exactly one retry, got %d calls", calls.Load())
		}
	})

	t.Run("stores only cacheable responses", func(t *testing.T) {
		tests := []struct {
			name   string
			status int
			etag   string
			body   string
			stored bool
		}{
			{"ok with etag", http.StatusOK, "e", `{"a":1}`, true},
			{"client error with etag", http.StatusBadRequest, "e", `{"code":7}`, true},
			{"server error", http.StatusInternalServerError, "e", `{"a":1}`, false},
			{"missing etag", http.StatusOK, "", `{"a":1}`, false},
			{"missing body", http.StatusOK, "e", ``, false},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				client, store := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
					if tt.etag != "" {
						w.Header().Set(ETagHeader, tt.etag)
					}
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(tt.body))
				})

				_, _ = client.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})

				entries, _ := store.List(ctx, cachekey.ValidatorPrefix)
				if got := len(entries) == 1; got != tt.stored {
					t.Errorf("expected stored=%v, got %d records", tt.stored, len(entries))
				}
			})
		}
	})

	t.Run("clear caches removes validator records", func(t *testing.T) {
		client, store := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(ETagHeader, "e")
			_, _ = w.Write([]byte(`{"a":1}`))
		})
		_, _ = client.Do(ctx, Request{Method: http.MethodGet, Path: "/a"})
		_, _ = client.Do(ctx, Request{Method: http.MethodGet, Path: "/b"})

		if err := client.ClearCaches(ctx); err != nil {
			t.Fatal(err)
		}

		entries, _ := store.List(ctx, cachekey.ValidatorPrefix)
		if len(entries) != 0 {
			t.Errorf("expected no records, got %d", len(entries))
		}
	})
}

func TestErrorTaxonomy(t *testing.T) {
	ctx := context.Background()

	t.Run("http error carries backend code and response", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":7225,"message":"invalid receipt"}`))
		})

		resp, err := client.Do(ctx, Request{Method: http.MethodPost, Path: "/receipts", Body: map[string]string{"a": "b"}})
		if !errors.Is(err, domain.ErrHTTP) {
			t.Fatalf("expected ErrHTTP, got %v", err)
		}
		var domainErr *domain.Error
		if !errors.As(err, &domainErr) || domainErr.BackendCode != 7225 || domainErr.Message != "invalid receipt" {
			t.Errorf("unexpected error detail %+v", domainErr)
		}
		if resp == nil || resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("expected response alongside error, got %+v", resp)
		}
	})

	t.Run("non object body is a decode error", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>oops</html>`))
		})

		_, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
		if !errors.Is(err, domain.ErrDecode) {
			t.Fatalf("expected ErrDecode, got %v", err)
		}
	})

	t.Run("non json error body keeps the status", func(t *testing.T) {
		client, store := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(ETagHeader, "etag-html")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`<html>400 Bad Request</html>`))
		})

		resp, err := client.Do(ctx, Request{Method: http.MethodPost, Path: "/receipts", Body: map[string]string{"a": "b"}})
		if !errors.Is(err, domain.ErrHTTP) {
			t.Fatalf("expected ErrHTTP, got %v", err)
		}
		if errors.Is(err, domain.ErrDecode) {
			t.Errorf("expected no decode error, got %v", err)
		}
		var domainErr *domain.Error
		if !errors.As(err, &domainErr) || domainErr.BackendCode != 0 {
			t.Errorf("unexpected error detail %+v", domainErr)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected response alongside error, got %+v", resp)
		}

		entries, err := store.List(ctx, cachekey.ValidatorPrefix)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("expected no validator record for a non json body, got %d", len(entries))
		}
	})

	t.Run("unreachable server is a transport error", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()

		client, err := New(Config{BaseURL: server.URL, Timeout: time.Second}, memory.NewStore())
		if err != nil {
			t.Fatal(err)
		}

		_, err = client.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
		if !errors.Is(err, domain.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("default headers are sent", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/x" {
				t.Errorf("expected /v1 prefix, got %s", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer key" {
				t.Errorf("unexpected Authorization %q", got)
			}
			if got := r.Header.Get("X-Version"); got != "1.0.0" {
				t.Errorf("unexpected X-Version %q", got)
			}
			if got := r.Header.Get("X-Is-Sandbox"); got != "false" {
				t.Errorf("unexpected X-Is-Sandbox %q", got)
			}
			_, _ = w.Write([]byte(`{}`))
		})

		if _, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/x"}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestSerialQueue(t *testing.T) {
	t.Run("serial requests run one at a time in order", func(t *testing.T) {
		var (
			inFlight atomic.Int32
			maxSeen  atomic.Int32
			mu       sync.Mutex
			order    []string
		)
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, r.URL.Path)
			mu.Unlock()
			inFlight.Add(-1)
			_, _ = w.Write([]byte(`{}`))
		})

		var wg sync.WaitGroup
		var completed []string
		var completedMu sync.Mutex
		for _, path := range []string{"/1", "/2", "/3", "/4"} {
			wg.Add(1)
			path := path
			client.Perform(context.Background(), Request{Method: http.MethodGet, Path: path, Serial: true}, func(*Response, error) {
				completedMu.Lock()
				completed = append(completed, path)
				completedMu.Unlock()
				wg.Done()
			})
		}
		wg.Wait()

		if maxSeen.Load() != 1 {
			t.Errorf("expected at most one serial request in flight, saw %d", maxSeen.Load())
		}
		want := []string{"/v1/1", "/v1/2", "/v1/3", "/v1/4"}
		for i := range want {
			if order[i] != want[i] {
				t.Fatalf("expected FIFO order %v, got %v", want, order)
			}
			if completed[i] != want[i][3:] {
				t.Fatalf("expected completions in order, got %v", completed)
			}
		}
	})

	t.Run("completion runs before the next serial request starts", func(t *testing.T) {
		var completionDone atomic.Bool
		var calls atomic.Int32
		client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 2 && !completionDone.Load() {
				t.Error("second request started before first completion finished")
			}
			_, _ = w.Write([]byte(`{}`))
		})

		done := make(chan struct{})
		client.Perform(context.Background(), Request{Method: http.MethodGet, Path: "/1", Serial: true}, func(*Response, error) {
			time.Sleep(20 * time.Millisecond)
			completionDone.Store(true)
		})
		client.Perform(context.Background(), Request{Method: http.MethodGet, Path: "/2", Serial: true}, func(*Response, error) {
			close(done)
		})
		<-done
	})

	t.Run("cancelled caller stops waiting while the request completes", func(t *testing.T) {
		release := make(chan struct{})
		finished := make(chan struct{})
		client, store := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			<-release
			w.Header().Set(ETagHeader, "late")
			_, _ = w.Write([]byte(`{"a":1}`))
			close(finished)
		})

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/slow"})
			errCh <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()

		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		close(release)
		<-finished
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			entries, _ := store.List(context.Background(), cachekey.ValidatorPrefix)
			if len(entries) == 1 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("expected the abandoned request to store its validator")
	})
}

func TestRequestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() failed: %v", err)
	}

	client, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, WithMetrics(metrics))

	ctx := context.Background()
	if _, err := client.Do(ctx, Request{Method: http.MethodGet, Path: "/x", Operation: "get_x"}); err != nil {
		t.Fatal(err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Failed to collect metrics: %v", err)
	}

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "backend_requests_total" {
				continue
			}
			found = true
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("Expected Sum[int64] data type")
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Errorf("expected one request recorded, got %+v", sum.DataPoints)
			}
		}
	}
	if !found {
		t.Error("backend_requests_total metric not found")
	}
}
