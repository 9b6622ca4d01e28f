package coordinator

import (
	"time"

	"github.com/compozy/epoxy/pkg/logger"
)

const DefaultGCInterval = time.Minute

type options struct {
	primary    Primary
	gcInterval time.Duration
	log        logger.Logger
}

// Option configures a Coordinator.
type Option func(*options)

// WithPrimary sets the primary store. Passing nil keeps NopPrimary.
func WithPrimary(p Primary) Option {
	return func(o *options) {
		if p != nil {
			o.primary = p
		}
	}
}

// WithGCInterval sets the period of the background collector. Non-positive values
// keep the default.
func WithGCInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.gcInterval = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func defaultOptions() *options {
	return &options{
		primary:    NopPrimary{},
		gcInterval: DefaultGCInterval,
		log:        logger.GetDefault(),
	}
}
