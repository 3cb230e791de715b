package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Message is a stored direct message. It is immutable once created except
// for the per-user deletion markers, which are kept outside the struct.
type Message struct {
	ID          int64     `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
	ClientToken string    `json:"clientToken,omitempty"`
}

// Counterpart returns the other participant of the message as seen by userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// HasParticipant reports whether userID is the sender or the receiver.
func (m Message) HasParticipant(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// NewMessage is the input to an append.
type NewMessage struct {
	SenderID    string
	ReceiverID  string
	Body        string
	ClientToken string
}

// ConversationKey identifies the unordered pair {a, b}.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Cursor marks a position in a conversation. A page starts strictly after it.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

func (c Cursor) IsZero() bool {
	return c.ID == 0 && c.CreatedAt.IsZero()
}

func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d-%d", c.CreatedAt.UnixNano(), c.ID)
}

// CursorAfter returns the cursor positioned on m.
func CursorAfter(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// ParseCursor parses the output of Cursor.String. An empty string is the
// zero cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, id, ok := strings.Cut(s, "-")
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	return Cursor{CreatedAt: time.Unix(0, ns).UTC(), ID: n}, nil
}

// Page is one slice of a conversation.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Event types pushed over the channel.
const (
	EventNewMessage     = "newMessage"
	EventMessageDeleted = "messageDeleted"
	EventMessageSent    = "messageSent"
	EventError          = "error"
	EventSendMessage    = "sendMessage"
)

// Event is the envelope written to and read from the channel.
type Event struct {
	Type          string   `json:"type"`
	Message       *Message `json:"message,omitempty"`
	MessageID     int64    `json:"messageId,omitempty"`
	CounterpartID string   `json:"counterpartId,omitempty"`
	ReceiverID    string   `json:"receiverId,omitempty"`
	Body          string   `json:"body,omitempty"`
	ClientToken   string   `json:"clientToken,omitempty"`
	Error         string   `json:"error,omitempty"`
	Code          string   `json:"code,omitempty"`
}
