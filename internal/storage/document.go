package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CorruptPolicy decides what the document store does with a user document
// that cannot be parsed.
type CorruptPolicy string

const (
	// CorruptAsEmpty treats the user as absent; the next write replaces the
	// broken document. Availability wins over the lost data.
	CorruptAsEmpty CorruptPolicy = "empty"
	// CorruptFail surfaces ErrCorruptDocument to the caller.
	CorruptFail CorruptPolicy = "fail"
)

const documentExt = ".json"

// userDocument is the aggregate record kept per user.
type userDocument struct {
	UserID      string                     `json:"user_id"`
	DisplayName string                     `json:"display_name"`
	Personality string                     `json:"personality"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	Messages    []Message                  `json:"messages"`
	Metadata    map[string]json.RawMessage `json:"metadata"`
}

// DocumentStore keeps one JSON document per user under dir. Documents are
// replaced with write-to-temp + rename, so a reader sees either the previous
// or the next version of a user, never a partial one.
type DocumentStore struct {
	dir    string
	opts   Options
	policy CorruptPolicy
	locks  *keyedMutex
	log    *zap.Logger
}

var _ Store = (*DocumentStore)(nil)

func NewDocumentStore(dir string, policy CorruptPolicy, opts Options, log *zap.Logger) (*DocumentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure document dir: %w", err)
	}
	if policy == "" {
		policy = CorruptAsEmpty
	}
	if policy != CorruptAsEmpty && policy != CorruptFail {
		return nil, fmt.Errorf("unknown corrupt document policy: %s", policy)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentStore{
		dir:    dir,
		opts:   opts.withDefaults(),
		policy: policy,
		locks:  newKeyedMutex(),
		log:    log.With(zap.String("store", "document")),
	}, nil
}

func (s *DocumentStore) path(userID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(userID))+documentExt)
}

// loadUnlocked returns nil when the user has no (readable) document.
func (s *DocumentStore) loadUnlocked(userID string) (*userDocument, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read user document: %w", err)
	}
	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		if s.policy == CorruptFail {
			return nil, fmt.Errorf("%w: user %s: %v", ErrCorruptDocument, userID, err)
		}
		s.log.Warn("unreadable user document treated as empty",
			zap.String("user_id", userID), zap.Error(err))
		return nil, nil
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]json.RawMessage)
	}
	return &doc, nil
}

func (s *DocumentStore) saveUnlocked(doc *userDocument) error {
	f, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmp := f.Name()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode user document: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmp, s.path(doc.UserID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace user document: %w", err)
	}
	return nil
}

// loadOrNewUnlocked returns the user's document, building a fresh default
// one if it does not exist yet. created reports the latter.
func (s *DocumentStore) loadOrNewUnlocked(userID string) (doc *userDocument, created bool, err error) {
	doc, err = s.loadUnlocked(userID)
	if err != nil {
		return nil, false, err
	}
	if doc != nil {
		return doc, false, nil
	}
	now := s.opts.Now()
	return &userDocument{
		UserID:      userID,
		Personality: DefaultPersonality,
		CreatedAt:   now,
		UpdatedAt:   now,
		Messages:    []Message{},
		Metadata:    make(map[string]json.RawMessage),
	}, true, nil
}

// update runs fn on the user's document under the writer lock and persists it.
func (s *DocumentStore) update(userID string, fn func(doc *userDocument) error) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	doc, _, err := s.loadOrNewUnlocked(userID)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.saveUnlocked(doc)
}

// read loads the user's document under the reader lock; doc may be nil.
func (s *DocumentStore) read(userID string) (*userDocument, error) {
	unlock := s.locks.RLock(userID)
	defer unlock()
	return s.loadUnlocked(userID)
}

func (s *DocumentStore) Exists(_ context.Context, userID string) (bool, error) {
	doc, err := s.read(userID)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

func (s *DocumentStore) EnsureUser(_ context.Context, userID string) (bool, error) {
	_, created, err := s.ensure(userID)
	return created, err
}

func (s *DocumentStore) GetPersonality(_ context.Context, userID string) (string, error) {
	doc, _, err := s.ensure(userID)
	if err != nil {
		return "", err
	}
	return doc.Personality, nil
}

// ensure loads the user's document and persists a default one when it is
// missing, all under the writer lock.
func (s *DocumentStore) ensure(userID string) (*userDocument, bool, error) {
	if userID == "" {
		return nil, false, ErrEmptyUserID
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	doc, created, err := s.loadOrNewUnlocked(userID)
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := s.saveUnlocked(doc); err != nil {
			return nil, false, err
		}
	}
	return doc, created, nil
}

func (s *DocumentStore) SetPersonality(_ context.Context, userID, personalityID string) error {
	return s.update(userID, func(doc *userDocument) error {
		doc.Personality = personalityID
		doc.UpdatedAt = s.opts.Now()
		return nil
	})
}

func (s *DocumentStore) AppendMessage(_ context.Context, userID string, role Role, content, displayName string) error {
	if err := validateAppend(userID, role); err != nil {
		return err
	}
	return s.update(userID, func(doc *userDocument) error {
		now := s.opts.Now()
		var last time.Time
		if n := len(doc.Messages); n > 0 {
			last = doc.Messages[n-1].Timestamp
		}
		doc.Messages = append(doc.Messages, Message{
			UserID:      userID,
			Role:        role,
			Content:     content,
			DisplayName: displayName,
			Timestamp:   nextTimestamp(now, last, time.Nanosecond),
		})
		if over := len(doc.Messages) - s.opts.MaxMessages; over > 0 {
			doc.Messages = append([]Message(nil), doc.Messages[over:]...)
		}
		doc.UpdatedAt = now
		return nil
	})
}

func (s *DocumentStore) GetHistory(_ context.Context, userID string) ([]Message, error) {
	doc, err := s.read(userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return []Message{}, nil
	}
	return copyMessages(doc.Messages), nil
}

func (s *DocumentStore) GetAllHistories(ctx context.Context) (map[string][]Message, error) {
	ids, err := s.listUserIDs()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Message, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.read(id)
		if err != nil {
			return nil, err
		}
		if doc == nil || len(doc.Messages) == 0 {
			continue
		}
		out[id] = copyMessages(doc.Messages)
	}
	return out, nil
}

func (s *DocumentStore) GetDisplayName(_ context.Context, userID string) (string, error) {
	doc, err := s.read(userID)
	if err != nil || doc == nil {
		return "", err
	}
	return doc.DisplayName, nil
}

func (s *DocumentStore) SetDisplayName(_ context.Context, userID, displayName string) error {
	return s.update(userID, func(doc *userDocument) error {
		doc.DisplayName = displayName
		doc.UpdatedAt = s.opts.Now()
		return nil
	})
}

func (s *DocumentStore) GetAllDisplayNames(ctx context.Context) (map[string]string, error) {
	ids, err := s.listUserIDs()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.read(id)
		if err != nil {
			return nil, err
		}
		if doc != nil && doc.DisplayName != "" {
			out[id] = doc.DisplayName
		}
	}
	return out, nil
}

func (s *DocumentStore) GetMetadata(_ context.Context, userID, key string) (json.RawMessage, bool, error) {
	doc, err := s.read(userID)
	if err != nil || doc == nil {
		return nil, false, err
	}
	v, ok := doc.Metadata[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (s *DocumentStore) SetMetadata(_ context.Context, userID, key string, value any) error {
	raw, err := encodeMetadata(value)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", key, err)
	}
	return s.update(userID, func(doc *userDocument) error {
		doc.Metadata[key] = raw
		doc.UpdatedAt = s.opts.Now()
		return nil
	})
}

func (s *DocumentStore) ResetHistory(_ context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	doc, err := s.loadUnlocked(userID)
	if err != nil || doc == nil {
		return err
	}
	doc.Messages = []Message{}
	doc.UpdatedAt = s.opts.Now()
	return s.saveUnlocked(doc)
}

func (s *DocumentStore) DeleteUser(_ context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	if err := os.Remove(s.path(userID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove user document: %w", err)
	}
	return nil
}

func (s *DocumentStore) Close() error { return nil }

func (s *DocumentStore) listUserIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list user documents: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, documentExt) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, documentExt))
		if err != nil {
			continue
		}
		ids = append(ids, string(raw))
	}
	return ids, nil
}

func copyMessages(in []Message) []Message {
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
