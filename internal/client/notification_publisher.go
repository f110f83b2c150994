package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
)

// NotificationPublisher publishes approval and payroll lifecycle events to
// NATS for the platform notification service.
//
// Subject convention: notifications.hr.<event>
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt domain operations.
// A nil connection (NATS disabled) turns every publish into a no-op.
type NotificationPublisher struct {
	nc  *nats.Conn
	log *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher over the given NATS connection.
func NewNotificationPublisher(nc *nats.Conn, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, log: log}
}

// PublishApprovalEvent publishes an approval request lifecycle event.
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, event string, req *repository.ApprovalRequest) {
	p.publish(event, "approval_request", req.ID, map[string]interface{}{
		"document_kind": req.DocumentKind,
		"document_id":   req.DocumentID,
		"requester_id":  req.RequesterID,
		"status":        req.Status,
		"current_step":  req.CurrentStep,
		"total_steps":   req.TotalSteps,
	})
}

// PublishRunEvent publishes a payroll run lifecycle event.
func (p *NotificationPublisher) PublishRunEvent(ctx context.Context, event string, run *repository.PayrollRun) {
	p.publish(event, "payroll_run", run.ID, map[string]interface{}{
		"month":     run.Month,
		"office_id": run.OfficeID,
		"status":    run.Status,
	})
}

func (p *NotificationPublisher) publish(event, resourceType, resourceID string, payload map[string]interface{}) {
	if p.nc == nil {
		return
	}

	data, err := json.Marshal(&NotificationEvent{
		EventType:    event,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.hr.%s", event)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", resourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", resourceID).
		Msg("notification: event published")
}
