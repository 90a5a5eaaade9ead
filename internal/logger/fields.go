package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so bus, scheduler,
// and client-multiplexer log lines line up under the same field names.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Bus telegram identity
	// ========================================================================
	KeyQQ           = "qq"            // source (master) address
	KeyZZ           = "zz"            // target address
	KeyTelegramType = "telegram_type" // MS, MM, BC
	KeyMessageType  = "message_type"  // active, passive, reactive
	KeyMaster       = "master"        // hex-encoded master sequence
	KeySlave        = "slave"         // hex-encoded slave sequence
	KeyMasterState  = "master_state"
	KeySlaveState   = "slave_state"

	// ========================================================================
	// Handler / arbitration state
	// ========================================================================
	KeyHandlerState    = "handler_state"
	KeyArbitrationText = "arbitration"
	KeyBusAttempts     = "bus_attempts"
	KeySendAttempts    = "send_attempts"
	KeySynAgeUs        = "syn_age_us"

	// ========================================================================
	// Scheduler / jobs
	// ========================================================================
	KeyJobMode     = "job_mode"
	KeyJobPriority = "job_priority"
	KeyCommandKey  = "command_key"

	// ========================================================================
	// Client multiplexer
	// ========================================================================
	KeyClientAddr   = "client_addr"
	KeyClientKind   = "client_kind" // readonly, regular, enhanced
	KeyConnectionID = "connection_id"
	KeyEnhancedCmd  = "enhanced_cmd"
	KeyEnhancedResp = "enhanced_resp"

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyBytes      = "bytes"
	KeySource     = "source"
	KeyOperation  = "operation"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"

	// ========================================================================
	// Persistence / broker bridge
	// ========================================================================
	KeyStoreName = "store_name"
	KeyTopic     = "topic"
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for OpenTelemetry span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// QQ returns a slog.Attr for a master (source) address, hex formatted.
func QQ(addr byte) slog.Attr { return slog.String(KeyQQ, fmt.Sprintf("%02x", addr)) }

// ZZ returns a slog.Attr for a target address, hex formatted.
func ZZ(addr byte) slog.Attr { return slog.String(KeyZZ, fmt.Sprintf("%02x", addr)) }

// TelegramType returns a slog.Attr for the telegram classification (MS/MM/BC).
func TelegramType(t string) slog.Attr { return slog.String(KeyTelegramType, t) }

// MessageType returns a slog.Attr for active/passive/reactive classification.
func MessageType(t string) slog.Attr { return slog.String(KeyMessageType, t) }

// Master returns a slog.Attr for a hex-encoded master sequence.
func Master(hex string) slog.Attr { return slog.String(KeyMaster, hex) }

// Slave returns a slog.Attr for a hex-encoded slave sequence.
func Slave(hex string) slog.Attr { return slog.String(KeySlave, hex) }

// MasterState returns a slog.Attr for the telegram's master-half state.
func MasterState(s string) slog.Attr { return slog.String(KeyMasterState, s) }

// SlaveState returns a slog.Attr for the telegram's slave-half state.
func SlaveState(s string) slog.Attr { return slog.String(KeySlaveState, s) }

// HandlerState returns a slog.Attr for the handler FSM state.
func HandlerState(s string) slog.Attr { return slog.String(KeyHandlerState, s) }

// Arbitration returns a slog.Attr describing an arbitration outcome.
func Arbitration(outcome string) slog.Attr { return slog.String(KeyArbitrationText, outcome) }

// BusAttempts returns a slog.Attr for the job's bus-attempt counter.
func BusAttempts(n int) slog.Attr { return slog.Int(KeyBusAttempts, n) }

// SendAttempts returns a slog.Attr for the job's send-attempt counter.
func SendAttempts(n int) slog.Attr { return slog.Int(KeySendAttempts, n) }

// SynAgeUs returns a slog.Attr for microseconds elapsed since the last SYN.
func SynAgeUs(us int64) slog.Attr { return slog.Int64(KeySynAgeUs, us) }

// JobMode returns a slog.Attr for a scheduler job's mode.
func JobMode(mode string) slog.Attr { return slog.String(KeyJobMode, mode) }

// JobPriority returns a slog.Attr for a scheduler job's priority.
func JobPriority(p int) slog.Attr { return slog.Int(KeyJobPriority, p) }

// CommandKey returns a slog.Attr for a command store key.
func CommandKey(key string) slog.Attr { return slog.String(KeyCommandKey, key) }

// ClientAddr returns a slog.Attr for a TCP client's remote address.
func ClientAddr(addr string) slog.Attr { return slog.String(KeyClientAddr, addr) }

// ClientKind returns a slog.Attr for the client variant (readonly/regular/enhanced).
func ClientKind(kind string) slog.Attr { return slog.String(KeyClientKind, kind) }

// ConnectionID returns a slog.Attr for a connection identifier.
func ConnectionID(id string) slog.Attr { return slog.String(KeyConnectionID, id) }

// EnhancedCmd returns a slog.Attr for an enhanced-framing command id.
func EnhancedCmd(cmd int) slog.Attr { return slog.Int(KeyEnhancedCmd, cmd) }

// EnhancedResp returns a slog.Attr for an enhanced-framing response id.
func EnhancedResp(resp int) slog.Attr { return slog.Int(KeyEnhancedResp, resp) }

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error, or a no-op attr if err is nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Bytes returns a slog.Attr for a byte count (e.g. persistence I/O result).
func Bytes(n int64) slog.Attr { return slog.Int64(KeyBytes, n) }

// Source returns a slog.Attr identifying the origin of a value update.
func Source(src string) slog.Attr { return slog.String(KeySource, src) }

// Operation returns a slog.Attr for a sub-operation name.
func Operation(op string) slog.Attr { return slog.String(KeyOperation, op) }

// Attempt returns a slog.Attr for a retry attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// MaxRetries returns a slog.Attr for the maximum retry attempts allowed.
func MaxRetries(n int) slog.Attr { return slog.Int(KeyMaxRetries, n) }

// StoreName returns a slog.Attr for a persistence scope name.
func StoreName(name string) slog.Attr { return slog.String(KeyStoreName, name) }

// Topic returns a slog.Attr for a broker topic.
func Topic(topic string) slog.Attr { return slog.String(KeyTopic, topic) }
