package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiveOptionsClamp(t *testing.T) {
	tests := []struct {
		name string
		in   ReceiveOptions
		want ReceiveOptions
	}{
		{"zero", ReceiveOptions{}, ReceiveOptions{MaxMessages: 10}},
		{"in range", ReceiveOptions{MaxMessages: 3, WaitTime: 5 * time.Second}, ReceiveOptions{MaxMessages: 3, WaitTime: 5 * time.Second}},
		{"too large", ReceiveOptions{MaxMessages: 50, WaitTime: time.Minute}, ReceiveOptions{MaxMessages: 10, WaitTime: 20 * time.Second}},
		{"negative wait", ReceiveOptions{MaxMessages: 1, WaitTime: -time.Second}, ReceiveOptions{MaxMessages: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Clamp())
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	payload := []byte(`{"job_id":"j1"}`)
	body, err := Wrap("arn:aws:sns:us-east-1:000000000000:results", "m1", "j1", payload, time.Unix(1700000000, 0))
	require.NoError(t, err)

	got, subject := Unwrap(body)
	assert.JSONEq(t, string(payload), string(got))
	assert.Equal(t, "j1", subject)
}

func TestUnwrap_PassThrough(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"raw payload", `{"job_id":"j1"}`},
		{"not json", `hello`},
		{"other type", `{"Type":"SubscriptionConfirmation","Message":"x"}`},
		{"empty message", `{"Type":"Notification","Message":""}`},
		{"broken json", `{"Type":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, subject := Unwrap([]byte(tt.body))
			assert.Equal(t, tt.body, string(got))
			assert.Empty(t, subject)
		})
	}
}

func TestQueueErrorUnwrap(t *testing.T) {
	err := &QueueError{Op: "Delete", Target: "q", Err: ErrInvalidReceipt}
	assert.True(t, IsInvalidReceipt(err))
	assert.Equal(t, "queue Delete: q: invalid receipt handle", err.Error())
}
