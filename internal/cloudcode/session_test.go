package cloudcode

import (
	"testing"

	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

func userMessage(text string) anthropic.Message {
	return anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestDeriveSessionIDStable(t *testing.T) {
	first := &anthropic.MessagesRequest{Messages: []anthropic.Message{userMessage("hello world")}}
	later := &anthropic.MessagesRequest{Messages: []anthropic.Message{
		userMessage("hello world"),
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		userMessage("next turn"),
	}}

	a := DeriveSessionID(first)
	b := DeriveSessionID(later)
	if a != b {
		t.Errorf("session id changed across turns: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("session id length = %d, want 32 hex chars", len(a))
	}
}

func TestDeriveSessionIDDiffersByContent(t *testing.T) {
	a := DeriveSessionID(&anthropic.MessagesRequest{Messages: []anthropic.Message{userMessage("one")}})
	b := DeriveSessionID(&anthropic.MessagesRequest{Messages: []anthropic.Message{userMessage("two")}})
	if a == b {
		t.Error("different conversations produced the same session id")
	}
}

func TestDeriveSessionIDSkipsAssistantTurns(t *testing.T) {
	req := &anthropic.MessagesRequest{Messages: []anthropic.Message{
		{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "preamble"}}},
		userMessage("anchor"),
	}}
	want := DeriveSessionID(&anthropic.MessagesRequest{Messages: []anthropic.Message{userMessage("anchor")}})
	if got := DeriveSessionID(req); got != want {
		t.Error("assistant turns should not affect the session id")
	}
}

func TestDeriveSessionIDFallsBackToRandom(t *testing.T) {
	req := &anthropic.MessagesRequest{Messages: []anthropic.Message{}}
	a := DeriveSessionID(req)
	b := DeriveSessionID(req)
	if a == "" || b == "" {
		t.Fatal("fallback id must not be empty")
	}
	if a == b {
		t.Error("fallback ids should be random")
	}
}
