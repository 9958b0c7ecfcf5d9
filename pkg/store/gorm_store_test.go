package store

import (
	"testing"
	"time"

	"gorm.io/datatypes"

	"pdfchat/pkg/domain"
)

func TestMessageModelRoundTripKeepsMeta(t *testing.T) {
	msg := domain.Message{
		ID:        "m-1",
		Seq:       2,
		Role:      domain.RoleAssistant,
		Content:   "partial\n\n[cancelled]",
		Status:    domain.MessageCancelled,
		Meta:      domain.MessageMeta{Model: "llama3", Chunks: 3, Reason: "request", DurationMs: 120},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	model, err := messageToModel("t-1", msg)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	if model.ThreadID != "t-1" {
		t.Fatalf("thread id = %q", model.ThreadID)
	}
	got, err := messageFromModel(model)
	if err != nil {
		t.Fatalf("from model: %v", err)
	}
	if got != msg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, msg)
	}
}

func TestMessageFromModelRejectsCorruptMeta(t *testing.T) {
	_, err := messageFromModel(MessageModel{ID: "m-9", Role: "assistant", Meta: datatypes.JSON(`{"chunks":"three"`)})
	if err == nil {
		t.Fatalf("expected a decode error for corrupt meta")
	}
}
