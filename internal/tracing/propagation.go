package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

type field struct {
	key   string
	value string
}

// fields lists the set ids in a fixed order
func (tc *TraceContext) fields() []field {
	all := []field{
		{string(TraceIDKey), tc.TraceID},
		{string(DeliveryIDKey), tc.DeliveryID},
		{string(TaskIDKey), tc.TaskID},
		{string(FlowIDKey), tc.FlowID},
		{string(ExecutionIDKey), tc.ExecutionID},
	}
	set := all[:0]
	for _, f := range all {
		if f.value != "" {
			set = append(set, f)
		}
	}
	return set
}

// Detach returns a background context carrying the tracing values of ctx.
// Work handed to the queue outlives the request that created it.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// LoggerFromContext returns base with the ids carried by ctx as fields
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	fields := FromContext(ctx).fields()
	if len(fields) == 0 {
		return base
	}
	lc := base.With()
	for _, f := range fields {
		lc = lc.Str(f.key, f.value)
	}
	return lc.Logger()
}
