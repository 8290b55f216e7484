package windlass

import (
	"context"
	"net/http"
)

// EventHook receives async notifications after pipeline transitions commit.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but never affect the run that produced the event.
//
// Typical uses: chat notifications on terminal states, paging an operator
// when a run reaches ready_for_prod, feeding an external dashboard.
type EventHook interface {
	OnRunTransition(ctx context.Context, event RunEvent) error
}

// Middleware wraps the root HTTP handler. Applied outermost (before
// routing), so it sees all requests including /health and the webhook.
// Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
