package fetch

import (
	"context"
	"net/http"
)

type requestHeaderKey struct{}

// WithRequestHeader stores the headers of the client request so that
// RewriteHeaders hooks can forward them.
func WithRequestHeader(ctx context.Context, header http.Header) context.Context {
	return context.WithValue(ctx, requestHeaderKey{}, header)
}

func RequestHeaderFromContext(ctx context.Context) http.Header {
	header, ok := ctx.Value(requestHeaderKey{}).(http.Header)
	if !ok {
		return http.Header{}
	}
	return header
}

// ForwardHeaders returns a RewriteHeaders hook copying the named client
// request headers.
func ForwardHeaders(names ...string) func(ctx context.Context, outbound http.Header) {
	return func(ctx context.Context, outbound http.Header) {
		inbound := RequestHeaderFromContext(ctx)
		for _, name := range names {
			for _, value := range inbound.Values(name) {
				outbound.Add(name, value)
			}
		}
	}
}
