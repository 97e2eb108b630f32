// Package plugin defines the contract between fremen's modules and the
// process that hosts them. The registry drives every module through
// Init, Start and Stop; optional capabilities are discovered by type
// assertion on the interfaces below.
package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Supported module API range. Modules declaring an APIVersion outside it
// are rejected at registration.
const (
	APIVersionMin     = 1
	APIVersionCurrent = 1
)

// Plugin is a module with a managed lifecycle.
type Plugin interface {
	Info() PluginInfo
	// Init receives dependencies. Plugins named in Info().Dependencies
	// have already been initialised.
	Init(ctx context.Context, deps Dependencies) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// PluginInfo describes a module to the registry.
type PluginInfo struct {
	Name         string // also the config section and route prefix
	Version      string
	Description  string
	Dependencies []string
	Required     bool // startup fails if a required module cannot init
	APIVersion   int  // must lie in [APIVersionMin, APIVersionCurrent]
}

// Dependencies are the shared services handed to Init.
type Dependencies struct {
	Config  Config // plugins.<name> section
	Logger  *zap.Logger
	Store   Store // nil when running without a database
	Bus     EventBus
	Plugins PluginResolver
}

// PluginResolver looks up other initialised modules.
type PluginResolver interface {
	Resolve(name string) (Plugin, bool)
}

// Route is one HTTP endpoint. Path is relative to /api/v1/<plugin name>
// and may use net/http pattern wildcards.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// HTTPProvider exposes routes.
type HTTPProvider interface {
	Routes() []Route
}

// HealthStatus is a module's self-reported health. Status is one of
// "healthy", "degraded" or "unhealthy".
type HealthStatus struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// HealthChecker reports health for /api/v1/health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Config is read-only access to a configuration section.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// Store is the shared SQL database.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	// Migrate applies the module's migrations not yet recorded for it,
	// in Version order.
	Migrate(ctx context.Context, pluginName string, migrations []Migration) error
}

// Migration is one schema step owned by a module.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}
