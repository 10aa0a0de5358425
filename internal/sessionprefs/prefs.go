package sessionprefs

import "context"

// Prefs captures per-invocation rendering preferences.
type Prefs struct {
	// Color keeps escape sequences in printed output.
	Color bool
	// Width overrides the configured chunk width when positive.
	Width int
}

type prefsKey struct{}

// New returns a new Prefs instance with defaults applied.
func New() *Prefs {
	return &Prefs{}
}

// WithContext stores prefs in the context.
func WithContext(ctx context.Context, prefs *Prefs) context.Context {
	if ctx == nil || prefs == nil {
		return ctx
	}
	return context.WithValue(ctx, prefsKey{}, prefs)
}

// FromContext returns the prefs stored in the context, or defaults.
func FromContext(ctx context.Context) *Prefs {
	if ctx != nil {
		if prefs, ok := ctx.Value(prefsKey{}).(*Prefs); ok && prefs != nil {
			return prefs
		}
	}
	return New()
}
