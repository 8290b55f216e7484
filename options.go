package windlass

import (
	"io/fs"
	"log/slog"

	"github.com/windlass-ci/windlass/internal/workflow"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	dispatcher      workflow.Dispatcher
	extraMigrations []fs.FS
	hooks           []EventHook
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (WINDLASS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithWorkflowDispatcher replaces the GitHub Actions dispatch client.
// Useful for targeting a different CI host or for testing against a stub.
func WithWorkflowDispatcher(d workflow.Dispatcher) Option {
	return func(o *resolvedOptions) { o.dispatcher = d }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

// WithEventHook registers an EventHook notified after every committed
// pipeline transition. May be given multiple times.
func WithEventHook(h EventHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, h) }
}

// WithMiddleware wraps the root HTTP handler. May be given multiple times;
// the first registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
