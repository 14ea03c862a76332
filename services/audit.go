package services

import (
	"context"
	"encoding/json"
	"time"

	"foodorder-svc/models"
	"foodorder-svc/store"

	"go.uber.org/zap"
)

// AuditWriter appends audit entries and security incidents. Write failures
// are logged and never fail the calling operation.
type AuditWriter struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditWriter(s store.Store, logger *zap.Logger, now func() time.Time) *AuditWriter {
	if now == nil {
		now = time.Now
	}
	return &AuditWriter{store: s, logger: logger.Named("audit"), now: now}
}

type auditRecord struct {
	Action    string
	Category  models.AuditCategory
	Message   string
	Actor     models.Actor
	TargetRef string
	Before    any
	After     any
	Details   map[string]any
}

func (w *AuditWriter) Record(ctx context.Context, r auditRecord) {
	entry := &models.AuditEntry{
		Action:    r.Action,
		Category:  r.Category,
		Message:   r.Message,
		Actor:     r.Actor.String(),
		TargetRef: r.TargetRef,
		Before:    w.marshal(r.Before),
		After:     w.marshal(r.After),
		Details:   w.marshal(r.Details),
		CreatedAt: w.now().UTC(),
	}

	// Audit rows must survive a cancelled request.
	ctx = context.WithoutCancel(ctx)
	if err := w.store.AppendAudit(ctx, entry); err != nil {
		w.logger.Error("Failed to append audit entry",
			zap.String("action", r.Action),
			zap.String("target", r.TargetRef),
			zap.Error(err),
		)
	}
}

func (w *AuditWriter) SecurityIncident(ctx context.Context, kind, severity, reference string, orderID *string, details map[string]any) {
	incident := &models.SecurityIncident{
		Kind:      kind,
		Severity:  severity,
		Reference: reference,
		OrderID:   orderID,
		Details:   w.marshal(details),
		CreatedAt: w.now().UTC(),
	}

	ctx = context.WithoutCancel(ctx)
	if err := w.store.RecordSecurityIncident(ctx, incident); err != nil {
		w.logger.Error("Failed to record security incident",
			zap.String("kind", kind),
			zap.String("reference", reference),
			zap.Error(err),
		)
	}
}

func (w *AuditWriter) marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.logger.Warn("Failed to marshal audit payload", zap.Error(err))
		return nil
	}
	return data
}
