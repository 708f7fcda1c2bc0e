package httpapi

import (
	"net/http"
	"testing"

	"github.com/relaygw/relay/internal/domain/entity"
	"github.com/relaygw/relay/internal/service"
)

func TestParseOptimization(t *testing.T) {
	cases := map[string]service.Optimization{
		"cheap":    service.OptimizeCheap,
		"QUALITY":  service.OptimizeQuality,
		"free":     service.OptimizeFree,
		"balanced": service.OptimizeBalanced,
		"":         service.OptimizeBalanced,
		"bogus":    service.OptimizeBalanced,
	}
	for in, want := range cases {
		if got := parseOptimization(in); got != want {
			t.Fatalf("parseOptimization(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLatestUserSeed(t *testing.T) {
	messages := []entity.Message{
		entity.UserMessage("first question"),
		{Role: entity.RoleAssistant, Content: "answer"},
		entity.UserMessage("second question"),
	}
	if got := latestUserSeed(messages); got != "second question" {
		t.Fatalf("seed = %q", got)
	}
	if got := latestUserSeed(nil); got != "" {
		t.Fatalf("seed of empty history = %q", got)
	}
}

func TestRequiresVision(t *testing.T) {
	withImage := []entity.Message{
		entity.UserMessage("what is in this picture? data:image/png;base64,iVBORw0KGgo="),
	}
	if !requiresVision(withImage) {
		t.Fatal("inline image data must require a vision-capable model")
	}

	plainLink := []entity.Message{
		entity.UserMessage("summarize https://example.com/photo.png for me"),
	}
	if requiresVision(plainLink) {
		t.Fatal("a plain link must not force the vision constraint")
	}

	assistantMention := []entity.Message{
		{Role: entity.RoleAssistant, Content: "here: data:image/png;base64,AAAA"},
	}
	if requiresVision(assistantMention) {
		t.Fatal("only user-supplied image content constrains selection")
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[entity.ErrorKind]int{
		entity.KindGuardrailBlocked: http.StatusForbidden,
		entity.KindNoModelAvailable: http.StatusServiceUnavailable,
		entity.KindDeadlineExceeded: http.StatusGatewayTimeout,
		entity.KindUpstream4xx:      http.StatusBadRequest,
		entity.KindInternal:         http.StatusInternalServerError,
		entity.KindMaxIterations:    http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}
