package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/relaygw/relay/internal/domain/entity"
)

func TestKindOf(t *testing.T) {
	if got := KindOf(New(entity.KindUpstream5xx, "boom")); got != entity.KindUpstream5xx {
		t.Fatalf("KindOf(app error) = %s", got)
	}

	wrapped := fmt.Errorf("outer: %w", New(entity.KindToolTimeout, "slow"))
	if got := KindOf(wrapped); got != entity.KindToolTimeout {
		t.Fatalf("KindOf(wrapped) = %s", got)
	}

	if got := KindOf(context.Canceled); got != entity.KindClientCanceled {
		t.Fatalf("KindOf(canceled) = %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != entity.KindDeadlineExceeded {
		t.Fatalf("KindOf(deadline) = %s", got)
	}
	if got := KindOf(fmt.Errorf("mystery")); got != entity.KindInternal {
		t.Fatalf("KindOf(plain) = %s", got)
	}
}

func TestAsAppWrapsUnclassified(t *testing.T) {
	app := AsApp(fmt.Errorf("plain failure"))
	if app.Kind != entity.KindInternal {
		t.Fatalf("kind = %s", app.Kind)
	}
	if app.CorrelationID == "" {
		t.Fatal("wrapped error missing correlation id")
	}

	orig := New(entity.KindGuardrailBlocked, "no")
	if AsApp(orig) != orig {
		t.Fatal("AsApp must pass an existing app error through")
	}
}

func TestCorrelationIDsUnique(t *testing.T) {
	a := New(entity.KindInternal, "x")
	b := New(entity.KindInternal, "x")
	if a.CorrelationID == b.CorrelationID {
		t.Fatal("correlation ids must be unique per error")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(entity.KindUpstreamNetwork, "call failed", cause)
	if err.Unwrap() != cause {
		t.Fatal("cause lost through Wrap")
	}
}
