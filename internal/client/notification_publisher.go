package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn used for notifications.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the platform notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.ops.approval_stage_advanced.
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so notification failures never interrupt approval decisions.
type NotificationPublisher struct {
	nats   Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	EntityID     string                 `json:"entity_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	ActionURL    string                 `json:"action_url,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil Publisher disables
// publishing.
func NewNotificationPublisher(nats Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.ops"
	}
	return &NotificationPublisher{nats: nats, prefix: prefix, log: log}
}

var _ NotificationDispatcher = (*NotificationPublisher)(nil)

// Dispatch implements NotificationDispatcher.
func (p *NotificationPublisher) Dispatch(ctx context.Context, n Notification) {
	if p.nats == nil {
		return
	}
	if len(n.Recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    n.EventType,
		EntityID:     n.OrganizationID,
		ActorID:      n.ActorID,
		Recipients:   n.Recipients,
		ResourceType: "work_request",
		ResourceID:   n.WorkRequestID,
		IsActionable: n.Actionable,
		ActionURL:    fmt.Sprintf("/work-requests/%s/approvals", n.WorkRequestID),
		Severity:     severityFor(n.EventType),
		Category:     "ops_approval",
		Payload:      n.Payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, n.EventType)
	if err := p.nats.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("work_request_id", n.WorkRequestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("work_request_id", n.WorkRequestID).
		Int("recipients", len(n.Recipients)).
		Msg("notification: event published")
}

func severityFor(eventType string) string {
	switch eventType {
	case EventRejected, EventEscalated:
		return "warning"
	default:
		return "info"
	}
}
