package storage

import (
	"time"

	"go.uber.org/zap"
)

const DefaultDebounce = 50 * time.Millisecond

// Option configures the file and sqlite backends.
type Option func(*options)

type options struct {
	debounce time.Duration
	logger   *zap.Logger
	origin   string
}

func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithOrigin fixes the context ID stamped on writes. Handles sharing an
// origin treat each other's writes as their own.
func WithOrigin(origin string) Option {
	return func(o *options) { o.origin = origin }
}

func buildOptions(opts []Option) options {
	o := options{
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.debounce <= 0 {
		o.debounce = DefaultDebounce
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.origin == "" {
		o.origin = newOrigin()
	}
	return o
}
