package pmem

import (
	"log/slog"

	"github.com/joshuapare/pmemkit/internal/format"
)

// DefaultPoolSize is used when Options.Size is zero.
const DefaultPoolSize = 64 << 20

// Options configures pool creation and opening.
//
// Zero values select the documented defaults.
type Options struct {
	// Size is the pool size in bytes when creating a pool.
	// Ignored when opening an existing pool. Default: DefaultPoolSize.
	Size int64

	// SizeClasses selects the free-list bucketing. Default: DefaultConfig.
	SizeClasses SizeClassConfig

	// Logger receives pool lifecycle events. Default: logger.L.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Size == 0 {
		o.Size = DefaultPoolSize
	}
	if o.Size < format.MinPoolSize {
		o.Size = format.MinPoolSize
	}
	if o.SizeClasses.Name == "" {
		o.SizeClasses = DefaultConfig
	}
	return o
}
