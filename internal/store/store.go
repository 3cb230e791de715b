package store

import (
	"context"

	"github.com/pliu/dmrelay/internal/models"
)

// MessageStore is the durable, ordered log of direct messages.
type MessageStore interface {
	// AppendMessage validates and persists a message. created is false when
	// the client token matched an earlier append and that message is returned.
	AppendMessage(ctx context.Context, in models.NewMessage) (msg models.Message, created bool, err error)
	GetMessage(ctx context.Context, id int64) (models.Message, error)
	// ListConversation returns up to limit messages of the pair {userA, userB}
	// that requesterID has not deleted, strictly after cursor, oldest first.
	ListConversation(ctx context.Context, requesterID, userA, userB string, after models.Cursor, limit int) ([]models.Message, error)
	DeleteMessage(ctx context.Context, id int64, requesterID string) (models.Message, error)
}

// UnreadTracker keeps per-(owner, counterpart) unread counts.
type UnreadTracker interface {
	// MessageDelivered counts msg once for its receiver. counted is false
	// when an earlier call already counted it.
	MessageDelivered(ctx context.Context, msg models.Message) (counted bool, err error)
	MarkRead(ctx context.Context, ownerID, counterpartID string) error
	GetCount(ctx context.Context, ownerID, counterpartID string) (int, error)
	GetCounts(ctx context.Context, ownerID string) (map[string]int, error)
}

type Store interface {
	MessageStore
	UnreadTracker
	Ping(ctx context.Context) error
	Close() error
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	MaxBodyLength   = 4000
)

// PageSize clamps a requested page size to [1, MaxPageSize].
func PageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
