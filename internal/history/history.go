// Package history is the conversation ledger: bounded, per-user, ordered
// message logs backed by a storage.Store.
package history

import (
	"context"
	"errors"

	"persona-chatter/internal/llm"
	"persona-chatter/internal/storage"
)

// ErrSystemRole is returned when a caller tries to record a system message.
var ErrSystemRole = errors.New("system messages are not recorded in history")

type Ledger struct {
	store storage.Store
}

func NewLedger(store storage.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) AppendUser(ctx context.Context, userID, content, displayName string) error {
	return l.store.AppendMessage(ctx, userID, storage.RoleUser, content, displayName)
}

func (l *Ledger) AppendAssistant(ctx context.Context, userID, content string) error {
	return l.store.AppendMessage(ctx, userID, storage.RoleAssistant, content, "")
}

// Append records a message with an explicit role. System messages are
// rejected.
func (l *Ledger) Append(ctx context.Context, userID string, role storage.Role, content, displayName string) error {
	if role == storage.RoleSystem {
		return ErrSystemRole
	}
	return l.store.AppendMessage(ctx, userID, role, content, displayName)
}

// Get returns the retained messages of userID oldest first.
func (l *Ledger) Get(ctx context.Context, userID string) ([]storage.Message, error) {
	return l.store.GetHistory(ctx, userID)
}

// GetAll returns the retained messages of every user.
func (l *Ledger) GetAll(ctx context.Context) (map[string][]storage.Message, error) {
	return l.store.GetAllHistories(ctx)
}

// View returns the history as generator messages. With includeNames, user
// messages that carry a display name are rendered as "<name>: <content>".
func (l *Ledger) View(ctx context.Context, userID string, includeNames bool) ([]llm.Message, error) {
	msgs, err := l.store.GetHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ToLLM(msgs, includeNames), nil
}

func (l *Ledger) Reset(ctx context.Context, userID string) error {
	return l.store.ResetHistory(ctx, userID)
}

// ToLLM converts stored messages to generator messages.
func ToLLM(msgs []storage.Message, includeNames bool) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if includeNames && m.Role == storage.RoleUser && m.DisplayName != "" {
			content = m.DisplayName + ": " + content
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: content})
	}
	return out
}
