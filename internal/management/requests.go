package management

import (
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/message"
)

// PeekRequest reads up to count messages starting at fromSequence without
// locking them. sessionID narrows the peek to one session.
func PeekRequest(fromSequence int64, count int32, sessionID string, timeout time.Duration, associatedLinkName string) *amqp.Message {
	body := map[string]any{
		KeyFromSequenceNumber: fromSequence,
		KeyMessageCount:       count,
	}
	if sessionID != "" {
		body[KeySessionID] = sessionID
	}
	return NewRequest(OperationPeek, body, timeout, associatedLinkName)
}

// ScheduleRequest schedules msgs at their ScheduledEnqueueTime.
func ScheduleRequest(msgs []message.Message, timeout time.Duration, associatedLinkName string) (*amqp.Message, error) {
	entries := make([]any, 0, len(msgs))
	for i, m := range msgs {
		raw, err := message.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("schedule entry %d: %w", i, err)
		}
		entry := map[string]any{
			KeyMessage:   raw,
			KeyMessageID: m.MessageID,
		}
		if m.SessionID != "" {
			entry[KeySessionID] = m.SessionID
		}
		if m.PartitionKey != "" {
			entry[KeyPartitionKey] = m.PartitionKey
		}
		if m.ViaPartitionKey != "" {
			entry[KeyViaPartitionKey] = m.ViaPartitionKey
		}
		entries = append(entries, entry)
	}
	return NewRequest(OperationSchedule, map[string]any{KeyMessages: entries}, timeout, associatedLinkName), nil
}

// CancelScheduledRequest cancels the scheduled messages with the given
// sequence numbers.
func CancelScheduledRequest(sequenceNumbers []int64, timeout time.Duration, associatedLinkName string) *amqp.Message {
	seqs := append([]int64(nil), sequenceNumbers...)
	return NewRequest(OperationCancelScheduled, map[string]any{KeySequenceNumbers: seqs}, timeout, associatedLinkName)
}

// PutTokenRequest authorizes audience on the connection with token.
func PutTokenRequest(audience, token, tokenType string, expiresOn time.Time) *amqp.Message {
	return &amqp.Message{
		ApplicationProperties: map[string]any{
			KeyOperation:  OperationPutToken,
			KeyTokenType:  tokenType,
			KeyTokenName:  audience,
			KeyExpiration: expiresOn.UTC(),
		},
		Properties: &amqp.MessageProperties{},
		Value:      token,
	}
}
