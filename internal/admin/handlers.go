package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/sbtransport/internal/client"
	"github.com/danmuck/sbtransport/internal/message"
	"github.com/danmuck/sbtransport/internal/sberr"
	"github.com/gin-gonic/gin"
)

type messageView struct {
	SequenceNumber        int64          `json:"sequence_number"`
	MessageID             string         `json:"message_id,omitempty"`
	SessionID             string         `json:"session_id,omitempty"`
	Subject               string         `json:"subject,omitempty"`
	ContentType           string         `json:"content_type,omitempty"`
	EnqueuedTime          time.Time      `json:"enqueued_time,omitzero"`
	ScheduledEnqueueTime  time.Time      `json:"scheduled_enqueue_time,omitzero"`
	DeliveryCount         uint32         `json:"delivery_count"`
	Body                  string         `json:"body"`
	ApplicationProperties map[string]any `json:"application_properties,omitempty"`
}

func viewOf(m message.ReceivedMessage) messageView {
	return messageView{
		SequenceNumber:        m.SequenceNumber,
		MessageID:             m.MessageID,
		SessionID:             m.SessionID,
		Subject:               m.Subject,
		ContentType:           m.ContentType,
		EnqueuedTime:          m.EnqueuedTime,
		ScheduledEnqueueTime:  m.ScheduledEnqueueTime,
		DeliveryCount:         m.DeliveryCount,
		Body:                  string(m.Body),
		ApplicationProperties: m.ApplicationProperties,
	}
}

type scheduleRequest struct {
	Body                  string         `json:"body"`
	MessageID             string         `json:"message_id"`
	SessionID             string         `json:"session_id"`
	Subject               string         `json:"subject"`
	ContentType           string         `json:"content_type"`
	ScheduledEnqueueTime  time.Time      `json:"scheduled_enqueue_time" binding:"required"`
	ApplicationProperties map[string]any `json:"application_properties"`
	AssociatedLinkName    string         `json:"associated_link_name"`
}

func (s *Server) handlePeek(c *gin.Context) {
	from, err := queryInt(c, "from", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := queryInt(c, "count", 1)
	if err != nil || count <= 0 || count > 1<<31-1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive int32"})
		return
	}

	msgs, err := s.ops.Peek(c.Request.Context(), s.policy, from, client.PeekOptions{
		MessageCount: int32(count),
		SessionID:    c.Query("session"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, viewOf(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (s *Server) handleSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg := message.Message{
		Body:                  []byte(req.Body),
		MessageID:             req.MessageID,
		SessionID:             req.SessionID,
		Subject:               req.Subject,
		ContentType:           req.ContentType,
		ScheduledEnqueueTime:  req.ScheduledEnqueueTime,
		ApplicationProperties: req.ApplicationProperties,
	}
	seq, err := s.ops.ScheduleMessage(c.Request.Context(), s.policy, msg, req.AssociatedLinkName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sequence_number": seq})
}

func (s *Server) handleCancel(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence number must be an integer"})
		return
	}
	if err := s.ops.CancelScheduledMessage(c.Request.Context(), s.policy, seq, c.Query("link")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, key string, fallback int64) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// writeError maps a transport failure onto the closest HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, message.ErrInvalidMessage), errors.Is(err, sberr.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, sberr.ErrClientClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, sberr.ErrTimeout), errors.Is(err, sberr.ErrLinkOpenTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, sberr.ErrCancelled):
		status = 499
	}
	body := gin.H{"error": err.Error(), "kind": sberr.KindOf(err).String()}
	var sbErr *sberr.Error
	if errors.As(err, &sbErr) && sbErr.StatusCode != 0 {
		body["broker_status"] = sbErr.StatusCode
	}
	c.JSON(status, body)
}
