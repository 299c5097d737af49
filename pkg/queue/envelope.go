package queue

import (
	"bytes"
	"encoding/json"
	"time"
)

// NotificationType is the envelope Type of topic deliveries.
const NotificationType = "Notification"

// Envelope is the JSON wrapper a fan-out topic puts around a payload when
// delivering it to a subscribed queue (raw delivery disabled).
type Envelope struct {
	Type      string    `json:"Type"`
	MessageID string    `json:"MessageId,omitempty"`
	TopicArn  string    `json:"TopicArn,omitempty"`
	Subject   string    `json:"Subject,omitempty"`
	Message   string    `json:"Message"`
	Timestamp time.Time `json:"Timestamp,omitzero"`
}

// Wrap returns body inside a notification envelope.
func Wrap(topic, messageID, subject string, body []byte, at time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      NotificationType,
		MessageID: messageID,
		TopicArn:  topic,
		Subject:   subject,
		Message:   string(body),
		Timestamp: at.UTC(),
	})
}

// Unwrap returns the payload of a queue message body. Topic envelopes are
// opened; any other body (raw delivery, direct queue sends) is returned
// unchanged with an empty subject.
func Unwrap(body []byte) (payload []byte, subject string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return body, ""
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return body, ""
	}
	if env.Type != NotificationType || env.Message == "" {
		return body, ""
	}
	return []byte(env.Message), env.Subject
}
