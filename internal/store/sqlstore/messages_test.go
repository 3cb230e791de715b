package sqlstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pliu/dmrelay/internal/apperr"
	"github.com/pliu/dmrelay/internal/models"
	"github.com/pliu/dmrelay/internal/store"
)

func appendText(t *testing.T, from, to, body string) models.Message {
	t.Helper()
	m, created, err := testStore.AppendMessage(context.Background(), models.NewMessage{SenderID: from, ReceiverID: to, Body: body})
	if err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}
	if !created {
		t.Fatal("Expected a new message to be created")
	}
	return m
}

func TestAppendMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	m := appendText(t, "u1", "u2", "hello")
	if m.ID == 0 {
		t.Error("Expected non-zero message ID")
	}
	if m.CreatedAt.IsZero() {
		t.Error("Expected server assigned timestamp")
	}

	messages, err := testStore.ListConversation(context.Background(), "u1", "u1", "u2", models.Cursor{}, 0)
	if err != nil {
		t.Fatalf("Failed to list conversation: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	got := messages[0]
	if got.SenderID != "u1" || got.ReceiverID != "u2" || got.Body != "hello" {
		t.Errorf("Unexpected message %+v", got)
	}
	if !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("Expected createdAt %v, got %v", m.CreatedAt, got.CreatedAt)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	tests := []struct {
		name string
		in   models.NewMessage
	}{
		{"empty body", models.NewMessage{SenderID: "u1", ReceiverID: "u2", Body: ""}},
		{"blank body", models.NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "   "}},
		{"self addressed", models.NewMessage{SenderID: "u1", ReceiverID: "u1", Body: "hi"}},
		{"missing receiver", models.NewMessage{SenderID: "u1", Body: "hi"}},
		{"too long", models.NewMessage{SenderID: "u1", ReceiverID: "u2", Body: strings.Repeat("a", store.MaxBodyLength+1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := testStore.AppendMessage(context.Background(), tt.in)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}

	messages, _ := testStore.ListConversation(context.Background(), "u1", "u1", "u2", models.Cursor{}, 0)
	if len(messages) != 0 {
		t.Errorf("Expected nothing persisted, got %d messages", len(messages))
	}
}

func TestAppendMessageClientToken(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	in := models.NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "hello", ClientToken: "tok-1"}
	first, created, err := testStore.AppendMessage(ctx, in)
	if err != nil || !created {
		t.Fatalf("First append failed: created=%v err=%v", created, err)
	}

	retry, created, err := testStore.AppendMessage(ctx, in)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if created {
		t.Error("Expected retry to reuse the stored message")
	}
	if retry.ID != first.ID {
		t.Errorf("Expected message ID %d, got %d", first.ID, retry.ID)
	}

	in.Body = "something else"
	if _, _, err := testStore.AppendMessage(ctx, in); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error for reused token, got %v", err)
	}

	// Tokens are scoped per sender.
	other := models.NewMessage{SenderID: "u2", ReceiverID: "u1", Body: "hello", ClientToken: "tok-1"}
	if _, created, err := testStore.AppendMessage(ctx, other); err != nil || !created {
		t.Errorf("Expected a different sender to reuse the token: created=%v err=%v", created, err)
	}

	messages, _ := testStore.ListConversation(ctx, "u1", "u1", "u2", models.Cursor{}, 0)
	if len(messages) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(messages))
	}
}

func TestListConversationOrderAndIsolation(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	appendText(t, "u1", "u2", "one")
	appendText(t, "u2", "u1", "two")
	appendText(t, "u1", "u3", "elsewhere")
	appendText(t, "u1", "u2", "three")

	messages, err := testStore.ListConversation(context.Background(), "u2", "u2", "u1", models.Cursor{}, 0)
	if err != nil {
		t.Fatalf("Failed to list conversation: %v", err)
	}

	want := []string{"one", "two", "three"}
	if len(messages) != len(want) {
		t.Fatalf("Expected %d messages, got %d", len(want), len(messages))
	}
	for i, m := range messages {
		if m.Body != want[i] {
			t.Errorf("Message %d: expected '%s', got '%s'", i, want[i], m.Body)
		}
		if i > 0 && m.CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Errorf("Message %d is out of order", i)
		}
	}
}

func TestListConversationCursor(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c", "d", "e"} {
		appendText(t, "u1", "u2", body)
	}

	first, err := testStore.ListConversation(ctx, "u1", "u1", "u2", models.Cursor{}, 2)
	if err != nil {
		t.Fatalf("Failed to list first page: %v", err)
	}
	if len(first) != 2 || first[0].Body != "a" || first[1].Body != "b" {
		t.Fatalf("Unexpected first page %+v", first)
	}

	second, err := testStore.ListConversation(ctx, "u1", "u1", "u2", models.CursorAfter(first[1]), 2)
	if err != nil {
		t.Fatalf("Failed to list second page: %v", err)
	}
	if len(second) != 2 || second[0].Body != "c" || second[1].Body != "d" {
		t.Fatalf("Unexpected second page %+v", second)
	}

	last, _ := testStore.ListConversation(ctx, "u1", "u1", "u2", models.CursorAfter(second[1]), 2)
	if len(last) != 1 || last[0].Body != "e" {
		t.Errorf("Unexpected last page %+v", last)
	}
}

func TestAppendAfterCursorWithStaleClock(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	later := time.Now()
	earlier := later.Add(-time.Second)

	// The second writer read its clock first but reached the database last.
	testStore.now = func() time.Time { return later }
	first := appendText(t, "u1", "u2", "first")

	page, err := testStore.ListConversation(ctx, "u2", "u1", "u2", models.Cursor{}, 0)
	if err != nil || len(page) != 1 {
		t.Fatalf("Expected 1 message, got %d (%v)", len(page), err)
	}
	cursor := models.CursorAfter(page[0])

	testStore.now = func() time.Time { return earlier }
	second := appendText(t, "u2", "u1", "second")

	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("Expected %v after %v", second.CreatedAt, first.CreatedAt)
	}

	rest, err := testStore.ListConversation(ctx, "u2", "u1", "u2", cursor, 0)
	if err != nil {
		t.Fatalf("Failed to list conversation: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != second.ID {
		t.Errorf("Expected the late message after the cursor, got %+v", rest)
	}
	if !rest[0].CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("Expected stored timestamp %v, got %v", second.CreatedAt, rest[0].CreatedAt)
	}

	// Other conversations keep their own clock.
	testStore.now = func() time.Time { return earlier }
	other := appendText(t, "u3", "u4", "elsewhere")
	if other.CreatedAt.UnixNano() != earlier.UnixNano() {
		t.Errorf("Expected unclamped timestamp %v, got %v", earlier, other.CreatedAt)
	}
}

func TestListConversationForbidden(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	appendText(t, "u1", "u2", "private")

	_, err := testStore.ListConversation(context.Background(), "u3", "u1", "u2", models.Cursor{}, 0)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("Expected forbidden, got %v", err)
	}
}

func TestDeleteMessageIsPerParty(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	m := appendText(t, "u1", "u2", "oops")
	appendText(t, "u1", "u2", "keep")

	if _, err := testStore.DeleteMessage(ctx, m.ID, "u1"); err != nil {
		t.Fatalf("Failed to delete message: %v", err)
	}

	mine, _ := testStore.ListConversation(ctx, "u1", "u1", "u2", models.Cursor{}, 0)
	if len(mine) != 1 || mine[0].Body != "keep" {
		t.Errorf("Expected deleted message hidden for the deleting party, got %+v", mine)
	}

	theirs, _ := testStore.ListConversation(ctx, "u2", "u1", "u2", models.Cursor{}, 0)
	if len(theirs) != 2 {
		t.Errorf("Expected other party to still see 2 messages, got %d", len(theirs))
	}

	// Deleting again is not an error.
	if _, err := testStore.DeleteMessage(ctx, m.ID, "u1"); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}

func TestDeleteMessageErrors(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	m := appendText(t, "u1", "u2", "hi")

	if _, err := testStore.DeleteMessage(ctx, m.ID+100, "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := testStore.DeleteMessage(ctx, m.ID, "u3"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("Expected forbidden, got %v", err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := testStore.AppendMessage(ctx, models.NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "ping"})
			if err == nil {
				_, err = testStore.MessageDelivered(ctx, m)
			}
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent append failed: %v", err)
	}

	messages, _ := testStore.ListConversation(ctx, "u2", "u1", "u2", models.Cursor{}, store.MaxPageSize)
	if len(messages) != n {
		t.Errorf("Expected %d messages, got %d", n, len(messages))
	}
	count, _ := testStore.GetCount(ctx, "u2", "u1")
	if count != n {
		t.Errorf("Expected unread count %d, got %d", n, count)
	}
}

func TestStorageFaultAfterClose(t *testing.T) {
	SetupTestDB(t)
	TeardownTestDB()

	_, _, err := testStore.AppendMessage(context.Background(), models.NewMessage{SenderID: "u1", ReceiverID: "u2", Body: "hi"})
	if !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("Expected storage fault, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Error("Expected storage fault to be retryable")
	}
}
