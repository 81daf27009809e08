package impact

import "context"

type contextKey struct{}

// WithAggregator returns a context carrying a.
func WithAggregator(ctx context.Context, a *Aggregator) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// FromContext returns the aggregator stored by WithAggregator. A missing
// aggregator is a wiring bug and panics.
func FromContext(ctx context.Context) *Aggregator {
	a, ok := ctx.Value(contextKey{}).(*Aggregator)
	if !ok || a == nil {
		panic("impact: no aggregator in context")
	}
	return a
}
