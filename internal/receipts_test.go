package internal

import (
	"context"
	"testing"

	"roomchat/internal/storage"
)

func TestMarkReadOutcomes(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	tracker := NewReadReceiptTracker(fix.store)

	result, err := tracker.MarkRead(ctx, fix.msgID, fix.bobID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if result != MarkedNew {
		t.Fatalf("expected MarkedNew, got %v", result)
	}

	result, err = tracker.MarkRead(ctx, fix.msgID, fix.bobID)
	if err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	if result != AlreadyRead {
		t.Fatalf("expected AlreadyRead, got %v", result)
	}

	// The author never holds a receipt on their own message.
	result, err = tracker.MarkRead(ctx, fix.msgID, fix.aliceID)
	if err != nil {
		t.Fatalf("MarkRead own: %v", err)
	}
	if result != MarkRefused {
		t.Fatalf("expected MarkRefused for own message, got %v", result)
	}

	result, err = tracker.MarkRead(ctx, 9999, fix.bobID)
	if err != nil {
		t.Fatalf("MarkRead missing: %v", err)
	}
	if result != MarkRefused {
		t.Fatalf("expected MarkRefused for missing message, got %v", result)
	}
}

func TestMarkRoomReadCountsOnlyNew(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()
	tracker := NewReadReceiptTracker(fix.store)

	for _, body := range []string{"two", "three"} {
		content := body
		if _, err := fix.store.CreateMessage(ctx, storage.NewMessage{RoomID: fix.roomID, SenderID: fix.aliceID, Content: &content}); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	if _, err := tracker.MarkRead(ctx, fix.msgID, fix.bobID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	marked, err := tracker.MarkRoomRead(ctx, fix.roomID, fix.bobID)
	if err != nil {
		t.Fatalf("MarkRoomRead: %v", err)
	}
	if marked != 2 {
		t.Fatalf("expected 2 newly marked, got %d", marked)
	}

	unread, err := tracker.UnreadCount(ctx, fix.roomID, fix.bobID)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if unread != 0 {
		t.Fatalf("expected 0 unread, got %d", unread)
	}

	marked, err = tracker.MarkRoomRead(ctx, fix.roomID, fix.bobID)
	if err != nil {
		t.Fatalf("MarkRoomRead again: %v", err)
	}
	if marked != 0 {
		t.Fatalf("second pass should mark nothing, got %d", marked)
	}
}
