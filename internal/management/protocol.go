// Package management builds request messages for the broker management
// ($management) and claims-based security ($cbs) endpoints and decodes their
// responses.
package management

import (
	"errors"
	"math"
	"time"

	"github.com/Azure/go-amqp"
)

var (
	ErrMalformedResponse = errors.New("management: malformed response")
	ErrNoStatus          = errors.New("management: response carries no status code")
)

// Operations and addresses.
const (
	OperationPeek            = "com.microsoft:peek-message"
	OperationSchedule        = "com.microsoft:schedule-message"
	OperationCancelScheduled = "com.microsoft:cancel-scheduled-message"
	OperationPutToken        = "put-token"

	ManagementAddressSuffix = "/$management"
	CBSAddress              = "$cbs"

	ConditionMessageNotFound = "com.microsoft:message-not-found"
)

// Application property keys.
const (
	KeyOperation          = "operation"
	KeyServerTimeout      = "com.microsoft:server-timeout"
	KeyAssociatedLinkName = "associated-link-name"

	KeyStatusCode        = "statusCode"
	KeyStatusCodeLegacy  = "status-code"
	KeyStatusDescription = "statusDescription"
	KeyStatusDescLegacy  = "status-description"
	KeyErrorCondition    = "errorCondition"

	KeyTokenType  = "type"
	KeyTokenName  = "name"
	KeyExpiration = "expiration"
)

// Body map keys.
const (
	KeyFromSequenceNumber = "from-sequence-number"
	KeyMessageCount       = "message-count"
	KeySessionID          = "session-id"
	KeyMessages           = "messages"
	KeyMessage            = "message"
	KeyMessageID          = "message-id"
	KeyPartitionKey       = "partition-key"
	KeyViaPartitionKey    = "via-partition-key"
	KeySequenceNumbers    = "sequence-numbers"
)

// Status codes used by the management endpoint.
const (
	StatusOK        = 200
	StatusAccepted  = 202
	StatusNoContent = 204
	StatusNotFound  = 404
)

// NewRequest returns a management request for operation with the server
// timeout set from timeout. body may be nil.
func NewRequest(operation string, body map[string]any, timeout time.Duration, associatedLinkName string) *amqp.Message {
	props := map[string]any{
		KeyOperation: operation,
	}
	if associatedLinkName != "" {
		props[KeyAssociatedLinkName] = associatedLinkName
	}
	msg := &amqp.Message{
		ApplicationProperties: props,
		Properties:            &amqp.MessageProperties{},
	}
	if body != nil {
		msg.Value = body
	}
	SetServerTimeout(msg, timeout)
	return msg
}

// SetServerTimeout replaces the server timeout of req. The value is carried
// as uint32 milliseconds and saturates at math.MaxUint32.
func SetServerTimeout(req *amqp.Message, timeout time.Duration) {
	if req.ApplicationProperties == nil {
		req.ApplicationProperties = map[string]any{}
	}
	if timeout <= 0 {
		delete(req.ApplicationProperties, KeyServerTimeout)
		return
	}
	ms := timeout / time.Millisecond
	if ms > math.MaxUint32 {
		ms = math.MaxUint32
	}
	req.ApplicationProperties[KeyServerTimeout] = uint32(ms)
}
