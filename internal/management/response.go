package management

import (
	"fmt"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/message"
)

// Response is a decoded management reply.
type Response struct {
	StatusCode  int
	Description string
	Condition   string
	Body        map[string]any
	Message     *amqp.Message
}

// ParseResponse reads the status properties and body map of msg.
func ParseResponse(msg *amqp.Message) (*Response, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedResponse)
	}
	resp := &Response{Message: msg}
	props := msg.ApplicationProperties

	code, ok := lookupInt(props, KeyStatusCode, KeyStatusCodeLegacy)
	if !ok {
		return nil, ErrNoStatus
	}
	resp.StatusCode = int(code)
	resp.Description = lookupString(props, KeyStatusDescription, KeyStatusDescLegacy)
	resp.Condition = lookupString(props, KeyErrorCondition)

	if msg.Value != nil {
		body, ok := asMap(msg.Value)
		if !ok {
			return nil, fmt.Errorf("%w: body is %T", ErrMalformedResponse, msg.Value)
		}
		resp.Body = body
	}
	return resp, nil
}

// Messages decodes the "messages" list of a peek response. A missing or
// empty list yields no messages and no error.
func (r *Response) Messages() ([]message.ReceivedMessage, error) {
	raw, ok := r.Body[KeyMessages]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: messages is %T", ErrMalformedResponse, raw)
	}
	out := make([]message.ReceivedMessage, 0, len(list))
	for i, item := range list {
		entry, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("%w: messages[%d] is %T", ErrMalformedResponse, i, item)
		}
		payload, ok := entry[KeyMessage].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: messages[%d] has no payload", ErrMalformedResponse, i)
		}
		decoded, err := message.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		out = append(out, decoded)
	}
	return out, nil
}

// SequenceNumbers reads the "sequence-numbers" array of a schedule response.
func (r *Response) SequenceNumbers() ([]int64, error) {
	raw, ok := r.Body[KeySequenceNumbers]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []int64:
		return v, nil
	case []any:
		out := make([]int64, 0, len(v))
		for i, item := range v {
			n, ok := toInt64(item)
			if !ok {
				return nil, fmt.Errorf("%w: sequence-numbers[%d] is %T", ErrMalformedResponse, i, item)
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: sequence-numbers is %T", ErrMalformedResponse, raw)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			key, ok := k.(string)
			if !ok {
				continue
			}
			out[key] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func lookupInt(props map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if v, ok := props[key]; ok {
			if n, ok := toInt64(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func lookupString(props map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := props[key].(string); ok {
			return s
		}
	}
	return ""
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	default:
		return 0, false
	}
}
