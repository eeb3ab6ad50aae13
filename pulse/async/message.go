// Package async defines the handler boundary of the scheduler: the Handler
// interface, the message a handler receives, and the registry that maps
// stable keys to handler factories.
package async

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulsecron/errors"
)

// Message is the execution context handed to a handler.
type Message struct {
	ID            string     `json:"id"`    // execution id
	Topic         string     `json:"topic"` // job name
	ScheduledTime time.Time  `json:"scheduled_time"`
	CorrelationID string     `json:"correlation_id"`
	Payload       JobPayload `json:"payload"`
}

// JobPayload describes the occurrence being executed.
type JobPayload struct {
	JobName        string    `json:"job_name"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	Attempt        int       `json:"attempt"` // 1-based
	CronExpression string    `json:"cron_expression,omitempty"`
	Payload        string    `json:"payload,omitempty"` // job-defined, opaque to the scheduler
}

// Decode unmarshals the job-defined payload as JSON into v.
func (m *Message) Decode(v interface{}) error {
	if m.Payload.Payload == "" {
		return errors.Wrapf(errors.ErrInvalidRequest, "job %s has no payload", m.Topic)
	}
	if err := json.Unmarshal([]byte(m.Payload.Payload), v); err != nil {
		return errors.Wrapf(err, "failed to decode payload for job %s", m.Topic)
	}
	return nil
}
