// Package fstrace adds OpenTelemetry spans and B3 header propagation to a
// fuzzysearch.Client:
//
//	client, err := fuzzysearch.New(key, fuzzysearch.WithInstrumenter(fstrace.New()))
package fstrace

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/fuzzysearch/pkg/fuzzysearch"
)

const instrumentationName = "github.com/example/fuzzysearch/pkg/fuzzysearch"

// Instrumenter implements fuzzysearch.Instrumenter on top of OpenTelemetry.
type Instrumenter struct {
	provider   trace.TracerProvider
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

// Option configures an Instrumenter.
type Option func(*Instrumenter)

// WithTracerProvider uses the given provider instead of the global one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(i *Instrumenter) {
		i.provider = provider
	}
}

// WithPropagator replaces the default single-header B3 propagator.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(i *Instrumenter) {
		i.propagator = propagator
	}
}

// New builds an Instrumenter.
func New(opts ...Option) *Instrumenter {
	i := &Instrumenter{
		provider:   otel.GetTracerProvider(),
		propagator: b3.New(b3.WithInjectEncoding(b3.B3SingleHeader)),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.tracer = i.provider.Tracer(instrumentationName)
	return i
}

// Begin starts a client span named after the operation.
func (i *Instrumenter) Begin(ctx context.Context, operation string) (context.Context, fuzzysearch.Span) {
	ctx, span := i.tracer.Start(ctx, "fuzzysearch."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("fuzzysearch.operation", operation)),
	)
	return ctx, &spanHandle{span: span, propagator: i.propagator}
}

type spanHandle struct {
	span       trace.Span
	propagator propagation.TextMapPropagator
}

func (s *spanHandle) Inject(ctx context.Context, header http.Header) {
	s.propagator.Inject(ctx, propagation.HeaderCarrier(header))
}

func (s *spanHandle) End(statusCode int, err error) {
	if statusCode > 0 {
		s.span.SetAttributes(attribute.Int("http.status_code", statusCode))
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
