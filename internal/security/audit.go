package security

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AuditEntry represents a security audit log entry
type AuditEntry struct {
	Timestamp time.Time
	Operation string
	Resource  string
	Success   bool
	Reason    string
}

// AuditLogger handles security audit logging
type AuditLogger struct {
	logger zerolog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(base zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: base.With().Str("component", "security_audit").Logger(),
	}
}

// LogAuditEntry logs an audit entry
func (a *AuditLogger) LogAuditEntry(_ context.Context, entry AuditEntry) {
	event := a.logger.Info()
	if !entry.Success {
		event = a.logger.Warn()
	}
	event = event.
		Str("operation", entry.Operation).
		Str("resource", entry.Resource).
		Bool("success", entry.Success).
		Time("timestamp", entry.Timestamp)

	if entry.Reason != "" {
		event.Str("reason", entry.Reason)
	}

	if !entry.Success {
		event.Str("status", "failed")
	} else {
		event.Str("status", "success")
	}

	event.Send()
}
