// Package users owns user records on top of a storage.Store.
//
// Users are created lazily: the first personality lookup, message append,
// metadata write or display-name write for an unseen id materialises a
// record with the default personality. Ensure is the explicit entry point
// for that side effect; callers that need to know whether a user is new
// must ask before anything else touches the id.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"persona-chatter/internal/personality"
	"persona-chatter/internal/storage"
)

var ErrUnknownPersonality = errors.New("unknown personality")

type Service struct {
	store    storage.Store
	registry *personality.Registry

	counterMu sync.Mutex
	counters  map[string]*sync.Mutex
}

func NewService(store storage.Store, registry *personality.Registry) *Service {
	return &Service{store: store, registry: registry, counters: make(map[string]*sync.Mutex)}
}

// Ensure materialises userID and records displayName when it is non-empty
// and differs from the stored one. created reports whether this call
// created the user; concurrent first calls see it true exactly once.
func (s *Service) Ensure(ctx context.Context, userID, displayName string) (created bool, err error) {
	created, err = s.store.EnsureUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("create user: %w", err)
	}
	if displayName != "" {
		current, err := s.store.GetDisplayName(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("read display name: %w", err)
		}
		if current != displayName {
			if err := s.store.SetDisplayName(ctx, userID, displayName); err != nil {
				return false, fmt.Errorf("set display name: %w", err)
			}
		}
	}
	return created, nil
}

func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	return s.store.Exists(ctx, userID)
}

// Personality returns the user's persona, creating the user if needed. A
// stored id that is no longer registered resolves to the default persona.
func (s *Service) Personality(ctx context.Context, userID string) (personality.Personality, error) {
	id, err := s.store.GetPersonality(ctx, userID)
	if err != nil {
		return personality.Personality{}, err
	}
	return s.registry.Resolve(id), nil
}

func (s *Service) SetPersonality(ctx context.Context, userID, id string) (personality.Personality, error) {
	p, ok := s.registry.Get(id)
	if !ok {
		return personality.Personality{}, fmt.Errorf("%w: %s", ErrUnknownPersonality, id)
	}
	if err := s.store.SetPersonality(ctx, userID, id); err != nil {
		return personality.Personality{}, err
	}
	return p, nil
}

func (s *Service) Personalities() []personality.Personality { return s.registry.List() }

func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	return s.store.GetDisplayName(ctx, userID)
}

func (s *Service) DisplayNames(ctx context.Context) (map[string]string, error) {
	return s.store.GetAllDisplayNames(ctx)
}

// Reset clears the user's history but keeps personality, name and metadata.
func (s *Service) Reset(ctx context.Context, userID string) error {
	return s.store.ResetHistory(ctx, userID)
}

// Delete removes every trace of the user.
func (s *Service) Delete(ctx context.Context, userID string) error {
	return s.store.DeleteUser(ctx, userID)
}

// Metadata decodes the value stored under key into dst. found is false when
// the key was never set, which is distinct from a stored zero value.
func (s *Service) Metadata(ctx context.Context, userID, key string, dst any) (found bool, err error) {
	raw, found, err := s.store.GetMetadata(ctx, userID, key)
	if err != nil || !found {
		return found, err
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode metadata %q: %w", key, err)
	}
	return true, nil
}

func (s *Service) RawMetadata(ctx context.Context, userID, key string) (json.RawMessage, bool, error) {
	return s.store.GetMetadata(ctx, userID, key)
}

func (s *Service) SetMetadata(ctx context.Context, userID, key string, value any) error {
	return s.store.SetMetadata(ctx, userID, key, value)
}

// IncrementCounter adds one to the integer stored under key and returns the
// new value. Increments for the same user are serialised within the process.
func (s *Service) IncrementCounter(ctx context.Context, userID, key string) (int, error) {
	mu := s.counterLock(userID)
	mu.Lock()
	defer mu.Unlock()

	var n int
	if _, err := s.Metadata(ctx, userID, key, &n); err != nil {
		return 0, err
	}
	n++
	if err := s.store.SetMetadata(ctx, userID, key, n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Service) counterLock(userID string) *sync.Mutex {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	mu, ok := s.counters[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.counters[userID] = mu
	}
	return mu
}
