package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamName is the JetStream stream holding every qa.* event
	StreamName = "QA"
	// StreamSubjects is the subject filter bound to the stream
	StreamSubjects = "qa.>"

	SubjectRunStarted      = "qa.run.started"
	SubjectRunFinished     = "qa.run.finished"
	SubjectWorkerStale     = "qa.worker.stale"
	SubjectWorkerRestarted = "qa.worker.restarted"

	alertSubjectPrefix = "qa.alert."
)

// AlertSubject returns the subject an alert of the given type is published on
func AlertSubject(alertType string) string {
	return alertSubjectPrefix + alertType
}

// Event is the envelope published for supervisor lifecycle changes
type Event struct {
	Subject   string    `json:"subject"`
	RunID     string    `json:"runId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	TaskType  string    `json:"taskType,omitempty"`
	Status    string    `json:"status,omitempty"`
	PID       string    `json:"pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes JSON encoded values on a subject
type Publisher interface {
	Publish(ctx context.Context, subject string, v interface{}) error
}

// Nop discards everything; used when no NATS server is configured
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, string, interface{}) error { return nil }

// JetStreamPublisher publishes events into the QA stream
type JetStreamPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamPublisher creates the publisher and makes sure the stream exists
func NewJetStreamPublisher(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamPublisher, error) {
	p := &JetStreamPublisher{
		js:     js,
		logger: logger.Named("event-publisher"),
	}
	if err := p.setupStream(); err != nil {
		return nil, err
	}
	return p, nil
}

// setupStream creates or updates the QA stream
func (p *JetStreamPublisher) setupStream() error {
	streamInfo, err := p.js.StreamInfo(StreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if streamInfo == nil {
		_, err = p.js.AddStream(&nats.StreamConfig{
			Name:       StreamName,
			Subjects:   []string{StreamSubjects},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 1 * 1024 * 1024,
			Storage:    nats.FileStorage,
			Replicas:   1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
		}
		p.logger.Info("Created stream", zap.String("name", StreamName))
		return nil
	}

	config := streamInfo.Config
	config.Subjects = []string{StreamSubjects}
	if _, err := p.js.UpdateStream(&config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", StreamName, err)
	}
	p.logger.Info("Updated stream", zap.String("name", StreamName))
	return nil
}

// Publish implements Publisher
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published", zap.String("subject", subject))
	return nil
}
