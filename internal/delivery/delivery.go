// Package delivery hands rendered email exports to an outbound mail pipeline.
// Handoff is fire-and-record: a returned nil means the message was accepted
// by the pipeline, not that it reached the inbox.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

type Request struct {
	ExportID     string   `json:"export_id"`
	Attempt      int      `json:"attempt"`
	DraftID      string   `json:"draft_id"`
	VesselID     string   `json:"vessel_id"`
	Recipients   []string `json:"recipients"`
	Subject      string   `json:"subject"`
	HTMLBody     string   `json:"html_body"`
	ArtifactPath string   `json:"artifact_path"`
	DocumentHash string   `json:"document_hash"`
}

type Deliverer interface {
	Deliver(ctx context.Context, req Request) error
}

// ServiceBus publishes each request as a JSON message on a queue read by the
// mail relay.
type ServiceBus struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
	queue  string
}

func NewServiceBus(connectionString, queue string) (*ServiceBus, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("service bus connection string is empty")
	}
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create service bus client: %w", err)
	}
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("create service bus sender: %w", err)
	}
	return &ServiceBus{client: client, sender: sender, queue: queue}, nil
}

func (s *ServiceBus) Deliver(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal delivery request: %w", err)
	}
	messageID := fmt.Sprintf("%s-%d", req.ExportID, req.Attempt)
	contentType := "application/json"
	subject := "handover.export.email"
	msg := &azservicebus.Message{
		MessageID:   &messageID,
		ContentType: &contentType,
		Subject:     &subject,
		Body:        data,
		ApplicationProperties: map[string]any{
			"vessel_id": req.VesselID,
			"draft_id":  req.DraftID,
			"export_id": req.ExportID,
			"time":      time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("send to %s: %w", s.queue, err)
	}
	return nil
}

func (s *ServiceBus) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(context.Background())
	}
	return nil
}

// Log records the handoff without sending anything. It is the default for
// single-node installs where the mail relay polls the export ledger instead.
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Deliver(_ context.Context, req Request) error {
	l.Logger.WithFields(logrus.Fields{
		"export_id":  req.ExportID,
		"attempt":    req.Attempt,
		"draft_id":   req.DraftID,
		"vessel_id":  req.VesselID,
		"recipients": req.Recipients,
		"artifact":   req.ArtifactPath,
	}).Info("email export handed off")
	return nil
}

// Recorder keeps requests in memory and can be told to fail; used by tests.
type Recorder struct {
	mu       sync.Mutex
	Requests []Request
	Err      error
}

func (r *Recorder) Deliver(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests = append(r.Requests, req)
	return r.Err
}

func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Requests)
}
