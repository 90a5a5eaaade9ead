package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single bus
// transaction or client connection.
type LogContext struct {
	TraceID     string    // OpenTelemetry trace ID
	SpanID      string    // OpenTelemetry span ID
	TelegramType string   // MS, MM, BC
	CommandKey  string    // command store key driving this transaction
	ClientAddr  string    // TCP client remote address, if driven by a client
	QQ          byte      // master address
	StartTime   time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a transaction originating
// from the given master address.
func NewLogContext(qq byte) *LogContext {
	return &LogContext{
		QQ:        qq,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:      lc.TraceID,
		SpanID:       lc.SpanID,
		TelegramType: lc.TelegramType,
		CommandKey:   lc.CommandKey,
		ClientAddr:   lc.ClientAddr,
		QQ:           lc.QQ,
		StartTime:    lc.StartTime,
	}
}

// WithTelegramType returns a copy with the telegram type set
func (lc *LogContext) WithTelegramType(t string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TelegramType = t
	}
	return clone
}

// WithCommandKey returns a copy with the command key set
func (lc *LogContext) WithCommandKey(key string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.CommandKey = key
	}
	return clone
}

// WithClientAddr returns a copy with the originating client address set
func (lc *LogContext) WithClientAddr(addr string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ClientAddr = addr
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
