package users

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"persona-chatter/internal/personality"
	"persona-chatter/internal/storage"
)

func newService(t *testing.T) (*Service, storage.Store) {
	return newServiceOn(t, storage.TypeJSON)
}

func newServiceOn(t *testing.T, storeType string) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Type: storeType, Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	reg, err := personality.New()
	require.NoError(t, err)
	return NewService(st, reg), st
}

var storeTypes = []string{storage.TypeJSON, storage.TypeSQLite}

func TestEnsureReportsCreationOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	created, err := svc.Ensure(ctx, "42", "Alice")
	require.NoError(t, err)
	require.True(t, created)

	created, err = svc.Ensure(ctx, "42", "Alice")
	require.NoError(t, err)
	require.False(t, created)

	name, err := svc.DisplayName(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, "Alice", name)

	_, err = svc.Ensure(ctx, "42", "Alicia")
	require.NoError(t, err)
	name, _ = svc.DisplayName(ctx, "42")
	require.Equal(t, "Alicia", name)

	_, err = svc.Ensure(ctx, "42", "")
	require.NoError(t, err)
	name, _ = svc.DisplayName(ctx, "42")
	require.Equal(t, "Alicia", name, "empty name keeps the stored one")
}

func TestPersonalityLazyCreateAndFallback(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	p, err := svc.Personality(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, personality.DefaultID, p.ID)
	exists, err := svc.Exists(ctx, "7")
	require.NoError(t, err)
	require.True(t, exists)

	// stored ids outside the registry still resolve
	require.NoError(t, st.SetPersonality(ctx, "7", "retired"))
	p, err = svc.Personality(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, personality.DefaultID, p.ID)
}

func TestSetPersonalityValidates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.SetPersonality(ctx, "1", "pirate")
	require.True(t, errors.Is(err, ErrUnknownPersonality))

	p, err := svc.SetPersonality(ctx, "1", "poetic")
	require.NoError(t, err)
	require.Equal(t, "Poetic Assistant", p.DisplayName)
	got, err := svc.Personality(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, "poetic", got.ID)
}

func TestEnsureConcurrentFirstCalls(t *testing.T) {
	for _, typ := range storeTypes {
		t.Run(typ, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newServiceOn(t, typ)

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				created int
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := svc.Ensure(ctx, "new", "Newcomer")
					if err != nil {
						t.Errorf("ensure: %v", err)
						return
					}
					if c {
						mu.Lock()
						created++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			require.Equal(t, 1, created)
		})
	}
}

func TestMetadataAbsentVersusZero(t *testing.T) {
	for _, typ := range storeTypes {
		t.Run(typ, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newServiceOn(t, typ)

			var n int
			found, err := svc.Metadata(ctx, "1", "slap_count", &n)
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, svc.SetMetadata(ctx, "1", "slap_count", 0))
			found, err = svc.Metadata(ctx, "1", "slap_count", &n)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 0, n)

			require.NoError(t, svc.SetMetadata(ctx, "1", "slap_count", 3))
			found, err = svc.Metadata(ctx, "1", "slap_count", &n)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, 3, n)
		})
	}
}

func TestIncrementCounterConcurrent(t *testing.T) {
	for _, typ := range storeTypes {
		t.Run(typ, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newServiceOn(t, typ)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := svc.IncrementCounter(ctx, "1", "slap_count"); err != nil {
						t.Errorf("increment: %v", err)
					}
				}()
			}
			wg.Wait()

			var n int
			_, err := svc.Metadata(ctx, "1", "slap_count", &n)
			require.NoError(t, err)
			require.Equal(t, 20, n)
		})
	}
}

func TestResetKeepsProfileDeleteRemovesIt(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	_, err := svc.Ensure(ctx, "1", "Bob")
	require.NoError(t, err)
	require.NoError(t, st.AppendMessage(ctx, "1", storage.RoleUser, "hi", "Bob"))
	_, err = svc.SetPersonality(ctx, "1", "sarcastic")
	require.NoError(t, err)

	require.NoError(t, svc.Reset(ctx, "1"))
	p, err := svc.Personality(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, "sarcastic", p.ID)

	require.NoError(t, svc.Delete(ctx, "1"))
	exists, err := svc.Exists(ctx, "1")
	require.NoError(t, err)
	require.False(t, exists)
	names, err := svc.DisplayNames(ctx)
	require.NoError(t, err)
	require.NotContains(t, names, "1")
}
