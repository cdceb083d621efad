package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dejobratic/purchasesync/internal/cachekey"
	"github.com/dejobratic/purchasesync/internal/devicecache"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/dejobratic/purchasesync/internal/purchases/ports"
)

const (
	ETagHeader            = "X-Purchases-ETag"
	LastRefreshTimeHeader = "X-Purchases-Last-Refresh-Time"
)

// ValidatorRecord is the last cacheable response for one request identity.
type ValidatorRecord struct {
	ETag           string          `json:"etag"`
	StatusCode     int             `json:"status_code"`
	Body           json.RawMessage `json:"body"`
	ValidationTime time.Time       `json:"validation_time"`
}

// ETagManager stores validator records and turns 304 responses back into
// the responses they stand for.
type ETagManager struct {
	store  ports.KeyValueStore
	logger *slog.Logger
	now    func() time.Time
}

func NewETagManager(store ports.KeyValueStore, logger *slog.Logger) *ETagManager {
	return &ETagManager{store: store, logger: logger, now: time.Now}
}

// Headers returns the validator headers for identity. A forced refresh
// sends an empty validator so the backend returns a full response.
func (m *ETagManager) Headers(ctx context.Context, identity string, forceRefresh bool) (map[string]string, error) {
	headers := map[string]string{ETagHeader: ""}
	if forceRefresh {
		return headers, nil
	}

	record, err := m.record(ctx, identity)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return headers, nil
	}

	headers[ETagHeader] = record.ETag
	if !record.ValidationTime.IsZero() {
		headers[LastRefreshTimeHeader] = strconv.FormatInt(record.ValidationTime.UnixMilli(), 10)
	}
	return headers, nil
}

// Resolve maps a network response to the response returned to callers.
// retry is true when a 304 arrived with nothing stored and the request has
// not been retried yet.
func (m *ETagManager) Resolve(ctx context.Context, identity string, resp *Response, retried bool) (resolved *Response, retry bool, err error) {
	if resp.StatusCode != http.StatusNotModified {
		if err := m.storeIfCacheable(ctx, identity, resp); err != nil {
			m.logger.WarnContext(ctx, "failed to store validator record", "identity", identity, "error", err)
		}
		return resp, false, nil
	}

	record, err := m.record(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	if record != nil {
		return &Response{
			StatusCode: record.StatusCode,
			Body:       record.Body,
			Header:     resp.Header,
			Origin:     OriginCache,
		}, false, nil
	}

	if !retried {
		return nil, true, nil
	}

	m.logger.WarnContext(ctx, "received 304 with no cached response after retry", "identity", identity)
	return resp, false, domain.ErrUnchangedUncacheable
}

func (m *ETagManager) storeIfCacheable(ctx context.Context, identity string, resp *Response) error {
	if resp.StatusCode >= http.StatusInternalServerError || len(resp.Body) == 0 || !isJSONObject(resp.Body) {
		return nil
	}
	etag := headerValue(resp.Header, ETagHeader)
	if etag == "" {
		return nil
	}

	return devicecache.WriteJSON(ctx, m.store, cachekey.Validator{Identity: identity}, ValidatorRecord{
		ETag:           etag,
		StatusCode:     resp.StatusCode,
		Body:           resp.Body,
		ValidationTime: m.now(),
	})
}

func (m *ETagManager) record(ctx context.Context, identity string) (*ValidatorRecord, error) {
	record, ok, err := devicecache.ReadJSON[ValidatorRecord](ctx, m.store, cachekey.Validator{Identity: identity})
	if err != nil {
		return nil, fmt.Errorf("read validator record: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Clear removes every stored validator record.
func (m *ETagManager) Clear(ctx context.Context) error {
	entries, err := m.store.List(ctx, cachekey.ValidatorPrefix)
	if err != nil {
		return domain.NewStoreError("list validator records", err)
	}
	for _, entry := range entries {
		if err := m.store.Delete(ctx, entry.Key); err != nil {
			return domain.NewStoreError("delete validator record", err)
		}
	}
	return nil
}

// headerValue prefers an exact key match and falls back to a
// case-insensitive one.
func headerValue(header http.Header, name string) string {
	if values, ok := header[name]; ok && len(values) > 0 {
		return values[0]
	}
	for key, values := range header {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}
