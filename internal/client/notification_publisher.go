package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

// Publisher is the subset of *nats.Conn the publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NotificationPublisher publishes approval notifications to NATS for the
// platform notification service.
//
// Subject convention: <prefix>.<type>, e.g. notifications.approval.task_assigned
//
// Publish failures are logged and swallowed so a broken broker never fails an
// approval action.
type NotificationPublisher struct {
	conn   Publisher
	prefix string
	now    func() time.Time
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity"`
	Category     string         `json:"category"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Payload      map[string]any `json:"payload,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher. A nil conn makes Send a no-op.
func NewNotificationPublisher(conn Publisher, subjectPrefix string, log *logger.Logger) *NotificationPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "notifications.approval"
	}
	return &NotificationPublisher{conn: conn, prefix: subjectPrefix, now: time.Now, log: log}
}

// Send implements service.Notifier. It never returns an error.
func (p *NotificationPublisher) Send(_ context.Context, n *service.Notification) error {
	if p.conn == nil || n == nil || n.ReceiverID == 0 {
		return nil
	}

	event := &NotificationEvent{
		EventID:      uuid.NewString(),
		EventType:    n.Type,
		Recipients:   []string{strconv.FormatInt(n.ReceiverID, 10)},
		ResourceType: "approval_instance",
		ResourceID:   strconv.FormatInt(n.InstanceID, 10),
		IsActionable: isActionable(n.Type),
		Severity:     severity(n),
		Category:     "approval",
		Title:        n.Title,
		Content:      n.Content,
		OccurredAt:   p.now().UTC(),
	}
	if n.TaskID != nil {
		event.Payload = map[string]any{"task_id": *n.TaskID}
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.Type).Msg("notification: failed to marshal event")
		return nil
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, n.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Int64("instance_id", n.InstanceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return nil
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("instance_id", n.InstanceID).
		Int64("receiver_id", n.ReceiverID).
		Msg("notification: event published")
	return nil
}

func isActionable(typ string) bool {
	switch typ {
	case service.NotifyTaskAssigned, service.NotifyTaskTransferred, service.NotifyReminder:
		return true
	}
	return false
}

func severity(n *service.Notification) string {
	switch n.Urgency {
	case "CRITICAL":
		return "critical"
	case "URGENT":
		return "warning"
	}
	if n.Type == service.NotifyTaskExpired {
		return "warning"
	}
	return "info"
}
