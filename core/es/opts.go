package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	valueOption[T any] struct{ v T }

	consumerOpts struct {
		mws             []HandlerMiddleware
		log             *slog.Logger
		name            string
		shutdownTimeout time.Duration
		metrics         ESMetrics
	}

	ConsumerOption interface {
		applyToConsumerOpts(*consumerOpts)
	}

	ConsumerNameOption valueOption[string]
	MiddlewareOption   valueOption[[]HandlerMiddleware]
	LogOption          struct{ l *slog.Logger }
	MetricsOption      struct{ m ESMetrics }
)

func (o ConsumerNameOption) applyToConsumerOpts(opts *consumerOpts) { opts.name = o.v }
func (o MiddlewareOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o LogOption) applyToConsumerOpts(opts *consumerOpts)     { opts.log = o.l }
func (o MetricsOption) applyToConsumerOpts(opts *consumerOpts) { opts.metrics = o.m }

// WithMiddlewares appends handler middlewares, applied outermost first.
func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{v: mws}
}

func WithConsumerName(name string) ConsumerNameOption { return ConsumerNameOption{name} }
func WithLog(l *slog.Logger) LogOption                { return LogOption{l} }
func WithMetrics(m ESMetrics) MetricsOption           { return MetricsOption{m} }

func newConsumerOpts(opts ...ConsumerOption) consumerOpts {
	options := consumerOpts{
		log:             slog.Default(),
		name:            fmt.Sprintf("consumer-%s", gonanoid.Must(6)),
		shutdownTimeout: 10 * time.Second,
		metrics:         NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToConsumerOpts(&options)
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	return options
}
