package logx

import (
	"context"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	configKey contextKey = iota
	runKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithConfig annotates the logger with the config id if present.
func WithConfig(ctx context.Context, id schema.ConfigID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id != "" {
		if current, ok := ctx.Value(configKey).(schema.ConfigID); ok && current == id {
			return log
		}
		log = log.With("config", id)
	}
	return log
}

// WithRun annotates the logger with config and run identifiers.
func WithRun(ctx context.Context, id schema.ConfigID, seq schema.RunSeq) pslog.Logger {
	log := WithConfig(ctx, id)
	if seq != 0 {
		if current, ok := ctx.Value(runKey).(schema.RunSeq); ok && current == seq {
			return log
		}
		log = log.With("run", seq)
	}
	return log
}

// WithRef annotates the logger with a call's correlation ref.
func WithRef(log pslog.Logger, ref string) pslog.Logger {
	if ref != "" {
		log = log.With("ref", ref)
	}
	return log
}

// ContextWithConfig stores the config marker on the context for log de-duplication.
func ContextWithConfig(ctx context.Context, id schema.ConfigID) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, configKey, id)
}

// ContextWithRun stores the run marker on the context for log de-duplication.
func ContextWithRun(ctx context.Context, seq schema.RunSeq) context.Context {
	if ctx == nil || seq == 0 {
		return ctx
	}
	return context.WithValue(ctx, runKey, seq)
}

// ContextWithConfigLogger attaches the logger and config marker to the context.
func ContextWithConfigLogger(ctx context.Context, log pslog.Logger, id schema.ConfigID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithConfig(ctx, id)
}
