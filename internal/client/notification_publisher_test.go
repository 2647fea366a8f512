package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-erp-approvals/internal/logger"
	"github.com/pesio-ai/be-erp-approvals/internal/repository"
	"github.com/pesio-ai/be-erp-approvals/internal/service"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []publishedMsg
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, publishedMsg{subject: subject, data: data})
	return nil
}

func TestNotificationPublisher_Send(t *testing.T) {
	conn := &fakePublisher{}
	p := NewNotificationPublisher(conn, "", logger.Nop())
	p.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }

	taskID := int64(55)
	err := p.Send(context.Background(), &service.Notification{
		Type:       service.NotifyTaskAssigned,
		Title:      "Approval required: Laptops",
		Content:    "AP2603140001 is waiting for your approval",
		ReceiverID: 2,
		InstanceID: 9,
		TaskID:     &taskID,
		Urgency:    repository.UrgencyUrgent,
	})
	require.NoError(t, err)
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "notifications.approval.task_assigned", conn.msgs[0].subject)

	var event NotificationEvent
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &event))
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, []string{"2"}, event.Recipients)
	assert.Equal(t, "approval_instance", event.ResourceType)
	assert.Equal(t, "9", event.ResourceID)
	assert.True(t, event.IsActionable)
	assert.Equal(t, "warning", event.Severity)
	assert.Equal(t, float64(55), event.Payload["task_id"])
	assert.Equal(t, "Approval required: Laptops", event.Title)
	assert.True(t, event.OccurredAt.Equal(p.now()))
}

func TestNotificationPublisher_SkipsAndSwallowsErrors(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, NewNotificationPublisher(nil, "", logger.Nop()).Send(ctx, &service.Notification{Type: "cc", ReceiverID: 1}))

	conn := &fakePublisher{}
	p := NewNotificationPublisher(conn, "erp.notify", logger.Nop())
	require.NoError(t, p.Send(ctx, &service.Notification{Type: "cc"}))
	assert.Empty(t, conn.msgs, "notifications without a receiver are dropped")

	require.NoError(t, p.Send(ctx, &service.Notification{Type: "cc", ReceiverID: 3}))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "erp.notify.cc", conn.msgs[0].subject)

	conn.err = assert.AnError
	assert.NoError(t, p.Send(ctx, &service.Notification{Type: "approved", ReceiverID: 3}))
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		n    service.Notification
		want string
	}{
		{service.Notification{Type: service.NotifyApproved, Urgency: repository.UrgencyNormal}, "info"},
		{service.Notification{Type: service.NotifyApproved, Urgency: repository.UrgencyCritical}, "critical"},
		{service.Notification{Type: service.NotifyTaskExpired, Urgency: repository.UrgencyNormal}, "warning"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severity(&tt.n))
	}
	assert.False(t, isActionable(service.NotifyCC))
	assert.True(t, isActionable(service.NotifyReminder))
}
