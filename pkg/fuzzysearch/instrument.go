package fuzzysearch

import (
	"context"
	"net/http"
)

// Instrumenter observes client operations. Implementations are chosen when
// the client is built; the default does nothing.
type Instrumenter interface {
	// Begin is called once per operation before the request is built.
	Begin(ctx context.Context, operation string) (context.Context, Span)
}

// Span is the per-operation handle returned by an Instrumenter.
type Span interface {
	// Inject adds propagation headers to the outgoing request.
	Inject(ctx context.Context, header http.Header)
	// End is called exactly once with the response status (0 if none) and
	// the error returned to the caller, if any.
	End(statusCode int, err error)
}

type noopInstrumenter struct{}

func (noopInstrumenter) Begin(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) Inject(context.Context, http.Header) {}
func (noopSpan) End(int, error)                      {}
