package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/tripmate/internal/tracing"
)

// AuditType groups audit events.
type AuditType string

const (
	AuditSecurity AuditType = "security"
	AuditMemory   AuditType = "memory"
	AuditPolicy   AuditType = "policy"
	AuditBackup   AuditType = "backup"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Type      AuditType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	TurnID    string                 `json:"turn_id,omitempty"`
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process audit logger. Events are discarded
// until InitAuditLogger succeeds.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger sends audit events to the JSONL file at path, closing any
// file opened by an earlier call.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	previous := auditInst
	auditInst = &AuditLogger{logger: zerolog.New(file), file: file}
	auditMu.Unlock()

	return previous.Close()
}

// CloseAuditLogger closes the audit file and goes back to discarding events.
func CloseAuditLogger() error {
	auditMu.Lock()
	previous := auditInst
	auditInst = &AuditLogger{logger: zerolog.Nop()}
	auditMu.Unlock()

	return previous.Close()
}

// Record writes event, filling trace, turn and actor from ctx when unset,
// and mirrors it as an event on the active span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}
	if event.TurnID == "" {
		event.TurnID = tracing.GetTurnID(ctx)
	}
	if event.Actor == "" {
		event.Actor = tracing.GetUserID(ctx)
	}
	if event.Actor == "" {
		event.Actor = "system"
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", string(event.Type)),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.TurnID != "" {
		entry = entry.Str("turn_id", event.TurnID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

// RecordSecurityAudit records a guardrail decision about a user's input.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordMemoryAudit records a write to a user's memory.
func RecordMemoryAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditMemory,
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

func RecordPolicyAudit(ctx context.Context, action, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditPolicy,
		Actor:    "system",
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordBackupAudit(ctx context.Context, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditBackup,
		Actor:    "scheduler",
		Action:   "backup",
		Status:   status,
		Metadata: metadata,
	})
}
