// Package message maps broker messages to and from the AMQP 1.0 message
// format.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
)

var (
	ErrInvalidMessage = errors.New("message: invalid message")
	ErrDecode         = errors.New("message: decode failed")
)

// Message annotation keys set by the broker.
const (
	AnnotationSequenceNumber       = "x-opt-sequence-number"
	AnnotationEnqueuedTime         = "x-opt-enqueued-time"
	AnnotationLockedUntil          = "x-opt-locked-until"
	AnnotationPartitionKey         = "x-opt-partition-key"
	AnnotationViaPartitionKey      = "x-opt-via-partition-key"
	AnnotationScheduledEnqueueTime = "x-opt-scheduled-enqueue-time"
	AnnotationDeadLetterSource     = "x-opt-deadletter-source"
	AnnotationEnqueueSequence      = "x-opt-enqueue-sequence-number"

	maxIDLength = 128
)

// Message is an outgoing message.
type Message struct {
	Body                  []byte
	MessageID             string
	SessionID             string
	PartitionKey          string
	ViaPartitionKey       string
	CorrelationID         string
	Subject               string
	ContentType           string
	To                    string
	ReplyTo               string
	ReplyToSessionID      string
	TimeToLive            time.Duration
	ScheduledEnqueueTime  time.Time
	ApplicationProperties map[string]any
}

// ReceivedMessage is a message read from the broker, by peek or receive.
type ReceivedMessage struct {
	Message

	SequenceNumber   int64
	EnqueuedTime     time.Time
	LockedUntil      time.Time
	DeliveryCount    uint32
	DeadLetterSource string

	raw *amqp.Message
}

// Raw returns the underlying AMQP message, nil for decoded peek results.
func (m *ReceivedMessage) Raw() *amqp.Message {
	return m.raw
}

// Validate checks identifier limits and the session/partition key pairing.
func (m Message) Validate() error {
	if len(m.MessageID) > maxIDLength {
		return fmt.Errorf("%w: message id longer than %d", ErrInvalidMessage, maxIDLength)
	}
	if len(m.SessionID) > maxIDLength {
		return fmt.Errorf("%w: session id longer than %d", ErrInvalidMessage, maxIDLength)
	}
	if len(m.PartitionKey) > maxIDLength {
		return fmt.Errorf("%w: partition key longer than %d", ErrInvalidMessage, maxIDLength)
	}
	if m.SessionID != "" && m.PartitionKey != "" && m.SessionID != m.PartitionKey {
		return fmt.Errorf("%w: partition key %q must match session id %q", ErrInvalidMessage, m.PartitionKey, m.SessionID)
	}
	if m.TimeToLive < 0 {
		return fmt.Errorf("%w: negative time to live", ErrInvalidMessage)
	}
	return nil
}

// ToAMQP builds the wire message.
func ToAMQP(m Message) *amqp.Message {
	out := &amqp.Message{
		Data:       [][]byte{m.Body},
		Properties: &amqp.MessageProperties{},
	}
	if m.MessageID != "" {
		out.Properties.MessageID = m.MessageID
	}
	if m.CorrelationID != "" {
		out.Properties.CorrelationID = m.CorrelationID
	}
	out.Properties.GroupID = optional(m.SessionID)
	out.Properties.ReplyToGroupID = optional(m.ReplyToSessionID)
	out.Properties.Subject = optional(m.Subject)
	out.Properties.ContentType = optional(m.ContentType)
	out.Properties.To = optional(m.To)
	out.Properties.ReplyTo = optional(m.ReplyTo)

	if m.TimeToLive > 0 {
		out.Header = &amqp.MessageHeader{TTL: m.TimeToLive, Durable: true}
	}

	annotations := amqp.Annotations{}
	if m.PartitionKey != "" {
		annotations[AnnotationPartitionKey] = m.PartitionKey
	}
	if m.ViaPartitionKey != "" {
		annotations[AnnotationViaPartitionKey] = m.ViaPartitionKey
	}
	if !m.ScheduledEnqueueTime.IsZero() {
		annotations[AnnotationScheduledEnqueueTime] = m.ScheduledEnqueueTime.UTC()
	}
	if len(annotations) > 0 {
		out.Annotations = annotations
	}
	if len(m.ApplicationProperties) > 0 {
		out.ApplicationProperties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			out.ApplicationProperties[k] = v
		}
	}
	return out
}

// FromAMQP reads a received wire message.
func FromAMQP(in *amqp.Message) ReceivedMessage {
	out := ReceivedMessage{raw: in}
	if in == nil {
		return out
	}
	out.Body = body(in)
	if p := in.Properties; p != nil {
		out.MessageID = stringID(p.MessageID)
		out.CorrelationID = stringID(p.CorrelationID)
		out.SessionID = deref(p.GroupID)
		out.ReplyToSessionID = deref(p.ReplyToGroupID)
		out.Subject = deref(p.Subject)
		out.ContentType = deref(p.ContentType)
		out.To = deref(p.To)
		out.ReplyTo = deref(p.ReplyTo)
	}
	if h := in.Header; h != nil {
		out.TimeToLive = h.TTL
		out.DeliveryCount = h.DeliveryCount
	}
	for k, v := range in.Annotations {
		key, ok := k.(string)
		if !ok {
			continue
		}
		switch key {
		case AnnotationSequenceNumber:
			out.SequenceNumber, _ = toInt64(v)
		case AnnotationEnqueuedTime:
			out.EnqueuedTime, _ = v.(time.Time)
		case AnnotationLockedUntil:
			out.LockedUntil, _ = v.(time.Time)
		case AnnotationScheduledEnqueueTime:
			out.ScheduledEnqueueTime, _ = v.(time.Time)
		case AnnotationPartitionKey:
			out.PartitionKey, _ = v.(string)
		case AnnotationViaPartitionKey:
			out.ViaPartitionKey, _ = v.(string)
		case AnnotationDeadLetterSource:
			out.DeadLetterSource, _ = v.(string)
		}
	}
	if len(in.ApplicationProperties) > 0 {
		out.ApplicationProperties = make(map[string]any, len(in.ApplicationProperties))
		for k, v := range in.ApplicationProperties {
			out.ApplicationProperties[k] = v
		}
	}
	return out
}

// Encode serializes m in AMQP message binary format.
func Encode(m Message) ([]byte, error) {
	raw, err := ToAMQP(m).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

// Decode parses an AMQP message binary payload.
func Decode(raw []byte) (ReceivedMessage, error) {
	var m amqp.Message
	if err := m.UnmarshalBinary(raw); err != nil {
		return ReceivedMessage{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	out := FromAMQP(&m)
	out.raw = nil
	return out, nil
}

func body(m *amqp.Message) []byte {
	switch {
	case len(m.Data) == 1:
		return m.Data[0]
	case len(m.Data) > 1:
		var joined []byte
		for _, chunk := range m.Data {
			joined = append(joined, chunk...)
		}
		return joined
	}
	switch v := m.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case []byte:
		return string(id)
	case amqp.UUID:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}
