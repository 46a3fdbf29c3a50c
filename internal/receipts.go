package internal

import (
	"context"

	"roomchat/internal/storage"
)

// MarkResult describes the outcome of marking a single message read.
type MarkResult int

const (
	// MarkedNew means a receipt was created.
	MarkedNew MarkResult = iota
	// AlreadyRead means a receipt already existed; nothing changed.
	AlreadyRead
	// MarkRefused means the message does not exist or the reader authored
	// it. Users never hold receipts on their own messages.
	MarkRefused
)

// ReadReceiptTracker maintains per-user read markers and computes unread
// counts on top of the persistence gateway.
type ReadReceiptTracker struct {
	store *storage.Store
}

func NewReadReceiptTracker(store *storage.Store) *ReadReceiptTracker {
	return &ReadReceiptTracker{store: store}
}

// MarkRead records that a user has seen a message.
func (t *ReadReceiptTracker) MarkRead(ctx context.Context, messageID, userID int64) (MarkResult, error) {
	msg, err := t.store.GetMessage(ctx, messageID)
	if err != nil {
		return MarkRefused, err
	}
	if msg == nil || msg.SenderID == userID {
		return MarkRefused, nil
	}
	inserted, err := t.store.InsertRead(ctx, messageID, userID)
	if err != nil {
		return MarkRefused, err
	}
	if !inserted {
		return AlreadyRead, nil
	}
	return MarkedNew, nil
}

// MarkRoomRead marks every currently-unread message in the room for the user
// and returns how many were newly marked. The store runs it as one
// transaction, so concurrent sends cannot be double-counted.
func (t *ReadReceiptTracker) MarkRoomRead(ctx context.Context, roomID, userID int64) (int64, error) {
	return t.store.MarkRoomMessagesRead(ctx, roomID, userID)
}

// UnreadCount counts messages in the room authored by someone else with no
// receipt for the user.
func (t *ReadReceiptTracker) UnreadCount(ctx context.Context, roomID, userID int64) (int64, error) {
	return t.store.CountUnread(ctx, roomID, userID)
}
