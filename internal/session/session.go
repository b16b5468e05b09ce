package session

import (
	"context"
	"time"

	"github.com/galois26/page-weight-monitor/internal/model"
)

// WaitPolicy names the settle condition a navigation waits for.
type WaitPolicy string

// WaitNetworkIdle settles once the page has had no network activity for the
// browser's idle window.
const WaitNetworkIdle WaitPolicy = "networkIdle"

// NavigateOptions tunes a single navigation.
type NavigateOptions struct {
	Timeout    time.Duration // 0 = no timeout
	WaitPolicy WaitPolicy
}

// Browser opens isolated pages. Implementations must be safe for concurrent use.
type Browser interface {
	NewPage(ctx context.Context, job model.Job) (Page, error)
	Close() error
}

// Page is one isolated browsing context and the event streams it produces.
//
// Handlers are invoked sequentially from a single goroutine and never after
// Close has returned. Register handlers before calling Navigate.
type Page interface {
	OnTransportBytes(func(model.TransportByteEvent))
	OnLogicalLoad(func(model.LogicalLoadEvent))
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	Close() error
}
