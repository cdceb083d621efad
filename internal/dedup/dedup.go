// Package dedup coalesces identical in-flight operations so each runs once
// and every waiter receives the same outcome.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one operation per key at a time. The key is removed
// before waiters are notified, so a call arriving after completion starts
// a fresh operation.
type Group[T any] struct {
	flight singleflight.Group
}

// Do runs work for key unless an identical call is already in flight, in
// which case it waits for that call. work runs on a context detached from
// ctx's cancellation: a cancelled caller returns ctx.Err() while the work
// continues for the remaining waiters.
func (g *Group[T]) Do(ctx context.Context, key string, work func(ctx context.Context) (T, error)) (value T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (any, error) {
		return work(detached)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return value, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return value, false, ctx.Err()
	}
}

// Forget drops key so the next Do starts a new operation even if one is
// still running.
func (g *Group[T]) Forget(key string) {
	g.flight.Forget(key)
}

// Fingerprint hashes the parts that identify an operation, typically the
// method, path, body and owner.
func Fingerprint(parts ...any) string {
	h := sha256.New()
	for _, part := range parts {
		switch p := part.(type) {
		case string:
			fmt.Fprintf(h, "%d:%s|", len(p), p)
		case []byte:
			fmt.Fprintf(h, "%d:%s|", len(p), p)
		default:
			data, err := json.Marshal(p)
			if err != nil {
				data = []byte(fmt.Sprintf("%#v", p))
			}
			fmt.Fprintf(h, "%d:%s|", len(data), data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
