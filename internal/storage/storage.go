package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Role is the author of a stored message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// DefaultPersonality is assigned to every lazily created user.
const DefaultPersonality = "default"

// DefaultMaxMessages mirrors MAX_CONTEXT_LENGTH when nothing is configured.
const DefaultMaxMessages = 10

var (
	ErrInvalidRole     = errors.New("invalid message role")
	ErrEmptyUserID     = errors.New("empty user id")
	ErrCorruptDocument = errors.New("corrupt user document")
)

// Message is a single immutable entry of a user's history.
type Message struct {
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	DisplayName string    `json:"display_name,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store is the persistence contract shared by every backend variant.
//
// Reads of an unknown user return empty values, never errors. GetPersonality,
// AppendMessage, SetPersonality, SetDisplayName and SetMetadata create the
// user record when it is absent; GetPersonality does so even though it is a
// read. AppendMessage trims the history to the configured maximum in the
// same critical section as the append.
//
// Implementations must be safe for concurrent use. Writers for one user are
// serialised; writers for different users do not share a lock.
type Store interface {
	Exists(ctx context.Context, userID string) (bool, error)
	// EnsureUser creates the user with defaults unless it exists. created is
	// true for exactly one of any number of concurrent callers.
	EnsureUser(ctx context.Context, userID string) (created bool, err error)

	GetPersonality(ctx context.Context, userID string) (string, error)
	SetPersonality(ctx context.Context, userID, personalityID string) error

	AppendMessage(ctx context.Context, userID string, role Role, content, displayName string) error
	GetHistory(ctx context.Context, userID string) ([]Message, error)
	// GetAllHistories maps every user with at least one message to its
	// history. Users without messages are absent from the result.
	GetAllHistories(ctx context.Context) (map[string][]Message, error)

	GetDisplayName(ctx context.Context, userID string) (string, error)
	SetDisplayName(ctx context.Context, userID, displayName string) error
	GetAllDisplayNames(ctx context.Context) (map[string]string, error)

	// GetMetadata returns the raw JSON value and true, or nil and false when
	// the key was never set. A stored null, 0 or false is reported as found.
	GetMetadata(ctx context.Context, userID, key string) (json.RawMessage, bool, error)
	SetMetadata(ctx context.Context, userID, key string, value any) error

	ResetHistory(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error

	Close() error
}

// Options are shared by all variants.
type Options struct {
	MaxMessages int
	// Now overrides the clock, used by tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// nextTimestamp keeps per-user timestamps strictly increasing even when the
// clock stalls or goes backwards. step is the precision the backend keeps.
func nextTimestamp(now, last time.Time, step time.Duration) time.Time {
	now = now.Truncate(step)
	if !last.IsZero() && !now.After(last) {
		return last.Truncate(step).Add(step)
	}
	return now
}

func validateAppend(userID string, role Role) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if !role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

func encodeMetadata(value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
