package app

import (
	"sync/atomic"

	"github.com/dejobratic/purchasesync/internal/cache"
)

// StaticAppState is a settable ports.AppStateProvider.
type StaticAppState struct {
	visibility atomic.Int32
}

func NewStaticAppState(initial cache.Visibility) *StaticAppState {
	s := &StaticAppState{}
	s.Set(initial)
	return s
}

func (s *StaticAppState) Visibility() cache.Visibility {
	return cache.Visibility(s.visibility.Load())
}

func (s *StaticAppState) Set(v cache.Visibility) {
	s.visibility.Store(int32(v))
}
