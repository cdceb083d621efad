package ports

import "github.com/dejobratic/purchasesync/internal/cache"

// AppStateProvider reports whether the host application is in the foreground.
type AppStateProvider interface {
	Visibility() cache.Visibility
}
