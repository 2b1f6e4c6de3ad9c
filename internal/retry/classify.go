package retry

import (
	"context"
	"errors"
	"net/http"

	"github.com/danmuck/sbtransport/internal/sberr"
)

// permanentStatus lists management status codes that will not succeed on
// retry.
var permanentStatus = map[int]bool{
	http.StatusBadRequest:       true,
	http.StatusUnauthorized:     true,
	http.StatusForbidden:        true,
	http.StatusNotFound:         true,
	http.StatusMethodNotAllowed: true,
	http.StatusGone:             true,
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch sberr.KindOf(err) {
	case sberr.KindAuthentication, sberr.KindClientClosed, sberr.KindCancelled, sberr.KindScheduleFailed,
		sberr.KindInvalidArgument:
		return false
	}
	var sbErr *sberr.Error
	if errors.As(err, &sbErr) && permanentStatus[sbErr.StatusCode] {
		return false
	}
	return true
}
