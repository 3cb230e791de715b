package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/models"
)

func TestUnreadCounting(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := appendText(t, "u1", "u2", "hi")
		counted, err := testStore.MessageDelivered(ctx, m)
		if err != nil {
			t.Fatalf("MessageDelivered failed: %v", err)
		}
		if !counted {
			t.Error("Expected a fresh message to be counted")
		}
	}

	count, err := testStore.GetCount(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("GetCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 unread, got %d", count)
	}

	// The sender's own counter is untouched.
	if count, _ := testStore.GetCount(ctx, "u1", "u2"); count != 0 {
		t.Errorf("Expected 0 unread for sender, got %d", count)
	}
}

func TestMessageDeliveredCountsOnce(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	m := appendText(t, "u1", "u2", "hi")
	for i := 0; i < 3; i++ {
		counted, err := testStore.MessageDelivered(ctx, m)
		if err != nil {
			t.Fatalf("MessageDelivered failed: %v", err)
		}
		if counted != (i == 0) {
			t.Errorf("Attempt %d: expected counted=%v, got %v", i, i == 0, counted)
		}
	}

	if count, _ := testStore.GetCount(ctx, "u2", "u1"); count != 1 {
		t.Errorf("Expected 1 unread, got %d", count)
	}

	missing := models.Message{ID: m.ID + 1, SenderID: "u1", ReceiverID: "u2"}
	if _, err := testStore.MessageDelivered(ctx, missing); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	m := appendText(t, "u1", "u2", "hi")
	testStore.MessageDelivered(ctx, m)

	if err := testStore.MarkRead(ctx, "u2", "u1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if count, _ := testStore.GetCount(ctx, "u2", "u1"); count != 0 {
		t.Errorf("Expected 0 unread after mark read, got %d", count)
	}

	// Idempotent, and fine for a pair that never exchanged messages.
	if err := testStore.MarkRead(ctx, "u2", "u1"); err != nil {
		t.Errorf("Second MarkRead failed: %v", err)
	}
	if err := testStore.MarkRead(ctx, "u9", "u8"); err != nil {
		t.Errorf("MarkRead on unknown pair failed: %v", err)
	}

	if err := testStore.MarkRead(ctx, "", "u1"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	next := appendText(t, "u1", "u2", "again")
	testStore.MessageDelivered(ctx, next)
	if count, _ := testStore.GetCount(ctx, "u2", "u1"); count != 1 {
		t.Errorf("Expected counting to resume at 1, got %d", count)
	}
}

func TestGetCounts(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	for _, from := range []string{"u1", "u1", "u3"} {
		m := appendText(t, from, "u2", "hi")
		testStore.MessageDelivered(ctx, m)
	}
	testStore.MarkRead(ctx, "u2", "u4")

	counts, err := testStore.GetCounts(ctx, "u2")
	if err != nil {
		t.Fatalf("GetCounts failed: %v", err)
	}
	if counts["u1"] != 2 || counts["u3"] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
	if n, ok := counts["u4"]; !ok || n != 0 {
		t.Errorf("Expected zero counter for u4 to be listed, got %v", counts)
	}

	empty, err := testStore.GetCounts(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty counts, got %v (%v)", empty, err)
	}
}
