package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"nut4health.org/internal/auth"
	"nut4health.org/internal/obs"
	"nut4health.org/internal/screening"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if account, ok := auth.AccountFromContext(ctx); ok {
		entry["caller"] = account
	}
	if fields == nil {
		fields = map[string]any{}
	}
	entry["fields"] = maps.Clone(fields)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Publisher writes every committed domain event to the audit log.
type Publisher struct{}

var _ screening.Publisher = Publisher{}

func (Publisher) Publish(ctx context.Context, ev screening.Event) {
	fields := maps.Clone(ev.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event_id"] = ev.ID
	fields["sequence"] = ev.Sequence
	fields["actor"] = ev.Actor
	if err := LogEvent(ctx, ev.Name, fields); err != nil {
		obs.Error("audit_log_failed", map[string]any{"event": ev.Name, "error": err})
	}
}
