package sberr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Azure/go-amqp"
	"github.com/danmuck/sbtransport/internal/testutil/testlog"
)

func TestErrorMatchesKindSentinelAndCause(t *testing.T) {
	testlog.Start(t)

	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", New(KindProtocol, "peek", "orders", cause))

	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol match: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause match: %v", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("unexpected ErrTransport match: %v", err)
	}
	if got := KindOf(err); got != KindProtocol {
		t.Fatalf("unexpected kind: got=%s want=%s", got, KindProtocol)
	}
	if !strings.Contains(err.Error(), `entity="orders"`) {
		t.Fatalf("expected entity in message: %q", err.Error())
	}
}

func TestKindOfContextErrors(t *testing.T) {
	testlog.Start(t)

	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Fatalf("canceled kind: got=%s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTimeout {
		t.Fatalf("deadline kind: got=%s", got)
	}
	if got := KindOf(errors.New("x")); got != KindUnknown {
		t.Fatalf("plain kind: got=%s", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Fatalf("nil kind: got=%s", got)
	}
}

func TestTranslate(t *testing.T) {
	testlog.Start(t)

	unauthorized := &amqp.Error{Condition: amqp.ErrCondUnauthorizedAccess, Description: "bad token"}
	notFound := &amqp.Error{Condition: amqp.ErrCondNotFound, Description: "no entity"}

	tests := []struct {
		name      string
		err       error
		want      Kind
		condition string
	}{
		{name: "canceled", err: context.Canceled, want: KindCancelled},
		{name: "deadline", err: fmt.Errorf("request: %w", context.DeadlineExceeded), want: KindTimeout},
		{name: "amqp unauthorized", err: unauthorized, want: KindAuthentication, condition: string(amqp.ErrCondUnauthorizedAccess)},
		{name: "amqp not found", err: notFound, want: KindProtocol, condition: string(amqp.ErrCondNotFound)},
		{name: "link detached", err: &amqp.LinkError{}, want: KindTransport},
		{name: "link detached remote auth", err: &amqp.LinkError{RemoteErr: unauthorized}, want: KindAuthentication, condition: string(amqp.ErrCondUnauthorizedAccess)},
		{name: "session", err: &amqp.SessionError{}, want: KindTransport},
		{name: "conn", err: &amqp.ConnError{}, want: KindTransport},
		{name: "plain", err: errors.New("socket reset"), want: KindTransport},
		{name: "classified", err: New(KindScheduleFailed, "", "", nil), want: KindScheduleFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Translate("peek", "orders", tc.err)
			var sbErr *Error
			if !errors.As(got, &sbErr) {
				t.Fatalf("expected *Error, got %T", got)
			}
			if sbErr.Kind != tc.want {
				t.Fatalf("unexpected kind: got=%s want=%s", sbErr.Kind, tc.want)
			}
			if sbErr.Op != "peek" || sbErr.Entity != "orders" {
				t.Fatalf("unexpected op/entity: %q/%q", sbErr.Op, sbErr.Entity)
			}
			if sbErr.Condition != tc.condition {
				t.Fatalf("unexpected condition: got=%q want=%q", sbErr.Condition, tc.condition)
			}
		})
	}

	inner := New(KindLinkOpenTimeout, "open", "management", errors.New("not open within 30ms"))
	relabelled := Translate("peek", "orders", inner)
	var sbErr *Error
	if !errors.As(relabelled, &sbErr) {
		t.Fatalf("expected *Error, got %T", relabelled)
	}
	if sbErr.Op != "peek" || sbErr.Entity != "orders" || sbErr.Kind != KindLinkOpenTimeout {
		t.Fatalf("unexpected relabel: kind=%s op=%q entity=%q", sbErr.Kind, sbErr.Op, sbErr.Entity)
	}
	if !strings.Contains(sbErr.Err.Error(), "open management") {
		t.Fatalf("expected inner label in cause, got %q", sbErr.Err)
	}
	if inner.Op != "open" {
		t.Fatalf("translate must not mutate the inner error")
	}

	if Translate("peek", "orders", nil) != nil {
		t.Fatalf("expected nil translation for nil error")
	}
}

func TestIsConnectionFault(t *testing.T) {
	testlog.Start(t)

	if !IsConnectionFault(fmt.Errorf("open: %w", &amqp.ConnError{})) {
		t.Fatalf("expected wrapped ConnError to be a connection fault")
	}
	if IsConnectionFault(&amqp.LinkError{}) {
		t.Fatalf("link error is not a connection fault")
	}
}
