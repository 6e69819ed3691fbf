package deepresearch

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	sqlitePath  string
	redisURL    string
	logger      *slog.Logger
	version     string
	stepper     Stepper
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (DEEPRESEARCH_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the PostgreSQL connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file from config (DEEPRESEARCH_SQLITE_PATH env var).
// Ignored when a database URL is configured.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithRedisURL overrides the Redis URL from config (REDIS_URL env var). With Redis,
// extension signals and rate limits are shared by every process using it.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
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

// WithStepper replaces the built-in paced stepper with a real research engine.
// If the Stepper also implements Finalizer, Finalize runs when a session halts.
func WithStepper(s Stepper) Option {
	return func(o *resolvedOptions) { o.stepper = s }
}

// WithMiddleware registers an HTTP middleware around the API routes.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
