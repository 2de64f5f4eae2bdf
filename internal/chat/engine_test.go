package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"persona-chatter/internal/composer"
	"persona-chatter/internal/history"
	"persona-chatter/internal/llm"
	"persona-chatter/internal/metrics"
	"persona-chatter/internal/personality"
	"persona-chatter/internal/storage"
	"persona-chatter/internal/users"
)

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]llm.Message
	// onCall runs before the reply is returned.
	onCall func(msgs []llm.Message)
}

func (f *fakeLLM) Generate(_ context.Context, msgs []llm.Message, _ llm.Params) (llm.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(msgs)
	}
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Content: f.reply, Provider: "fake"}, nil
}

func (f *fakeLLM) last() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type failingStore struct {
	storage.Store
	err error
}

func (s failingStore) AppendMessage(context.Context, string, storage.Role, string, string) error {
	return s.err
}

type fixture struct {
	engine *Engine
	store  storage.Store
	gen    *fakeLLM
	m      *metrics.Metrics
}

func newFixture(t *testing.T, limit int, shared bool, wrap func(storage.Store) storage.Store) fixture {
	return newFixtureOn(t, storage.TypeJSON, limit, shared, wrap)
}

func newFixtureOn(t *testing.T, storeType string, limit int, shared bool, wrap func(storage.Store) storage.Store) fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Type: storeType, Path: t.TempDir(), MaxMessages: limit}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	if wrap != nil {
		st = wrap(st)
	}
	reg, err := personality.New()
	require.NoError(t, err)
	gen := &fakeLLM{reply: "hi there"}
	m := metrics.New()
	e := New(users.NewService(st, reg), history.NewLedger(st), composer.New(reg), gen, Options{
		SharedContext: shared,
		Metrics:       m,
		Logger:        zap.NewNop(),
	})
	return fixture{engine: e, store: st, gen: gen, m: m}
}

func TestAsk_NewUserGreeting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, true, nil)

	f.gen.onCall = func([]llm.Message) {
		exists, err := f.store.Exists(ctx, "u1")
		require.NoError(t, err)
		require.True(t, exists)
		h, err := f.store.GetHistory(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, h, 1)
	}

	reply, err := f.engine.Ask(ctx, Request{UserID: "u1", DisplayName: "Alice", Text: "hello"})
	require.NoError(t, err)
	require.True(t, reply.NewUser)
	require.Equal(t, "hi there", reply.Text)

	sys := f.gen.last()[0]
	require.Equal(t, llm.RoleSystem, sys.Role)
	require.Contains(t, sys.Content, "This is a new user.")
	require.Contains(t, sys.Content, "named Alice.")

	h, err := f.store.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	require.Equal(t, storage.RoleAssistant, h[1].Role)

	f.gen.onCall = nil
	reply, err = f.engine.Ask(ctx, Request{UserID: "u1", DisplayName: "Alice", Text: "again"})
	require.NoError(t, err)
	require.False(t, reply.NewUser)
	require.NotContains(t, f.gen.last()[0].Content, "new user")
}

func TestAsk_SharedContextExcludesSelf(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, true, nil)

	_, err := f.engine.Ask(ctx, Request{UserID: "u2", DisplayName: "Bob", Text: "bob speaking"})
	require.NoError(t, err)
	_, err = f.engine.Ask(ctx, Request{UserID: "u1", DisplayName: "Alice", Text: "alice speaking"})
	require.NoError(t, err)

	msgs := f.gen.last()
	var joined []string
	for _, m := range msgs {
		joined = append(joined, m.Content)
	}
	all := strings.Join(joined, "\n")
	require.Contains(t, all, "[Context from Bob]")
	require.Contains(t, all, "bob speaking")
	require.NotContains(t, all, "[Context from Alice]")
	require.Equal(t, "alice speaking", msgs[len(msgs)-1].Content)
	require.Contains(t, msgs[0].Content, "- User u2: Bob")
}

func TestAsk_SharedContextDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false, nil)

	_, err := f.engine.Ask(ctx, Request{UserID: "u2", DisplayName: "Bob", Text: "bob speaking"})
	require.NoError(t, err)
	_, err = f.engine.Ask(ctx, Request{UserID: "u1", DisplayName: "Alice", Text: "alice speaking"})
	require.NoError(t, err)
	require.Len(t, f.gen.last(), 2)
}

func TestAsk_RetentionBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4, false, nil)
	for i := 0; i < 5; i++ {
		_, err := f.engine.Ask(ctx, Request{UserID: "u1", Text: "q"})
		require.NoError(t, err)
	}
	h, err := f.store.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h, 4)
	// system + at most the bounded history
	require.LessOrEqual(t, len(f.gen.last()), 5)
}

func TestAsk_GenerationFailureKeepsIncoming(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, true, nil)
	f.gen.err = llm.ErrEmptyResponse

	_, err := f.engine.Ask(ctx, Request{UserID: "u1", Text: "hello"})
	require.ErrorIs(t, err, ErrGeneration)
	require.ErrorIs(t, err, llm.ErrEmptyResponse)

	h, err := f.store.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(f.m.RequestsTotal.WithLabelValues("ask", "error")))
}

func TestAsk_StorageFailurePropagates(t *testing.T) {
	boom := errors.New("disk full")
	f := newFixture(t, 10, true, func(st storage.Store) storage.Store {
		return failingStore{Store: st, err: boom}
	})

	_, err := f.engine.Ask(context.Background(), Request{UserID: "u1", Text: "hello"})
	require.ErrorIs(t, err, boom)
	require.False(t, errors.Is(err, ErrGeneration))
	require.Empty(t, f.gen.calls)
	require.Equal(t, 1.0, testutil.ToFloat64(f.m.StoreErrorsTotal.WithLabelValues("append_message")))
}

func TestAsk_EmptyText(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	_, err := f.engine.Ask(context.Background(), Request{UserID: "u1", Text: "   "})
	require.ErrorIs(t, err, ErrEmptyText)
	exists, err := f.engine.Exists(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestResetVersusDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, true, nil)

	_, err := f.engine.Ask(ctx, Request{UserID: "u1", Text: "hello"})
	require.NoError(t, err)
	_, err = f.engine.SetPersonality(ctx, "u1", "Poetic")
	require.NoError(t, err)

	require.NoError(t, f.engine.Reset(ctx, "u1"))
	exists, err := f.engine.Exists(ctx, "u1")
	require.NoError(t, err)
	require.True(t, exists)
	p, err := f.engine.Personality(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "poetic", p.ID)
	h, err := f.engine.History(ctx, "u1", false)
	require.NoError(t, err)
	require.Empty(t, h)

	require.NoError(t, f.engine.Delete(ctx, "u1"))
	exists, err = f.engine.Exists(ctx, "u1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestSetPersonalityUnknown(t *testing.T) {
	f := newFixture(t, 10, true, nil)
	_, err := f.engine.SetPersonality(context.Background(), "u1", "pirate")
	require.ErrorIs(t, err, users.ErrUnknownPersonality)
}

func TestSlap_CountsAndSkipsHistory(t *testing.T) {
	for _, typ := range []string{storage.TypeJSON, storage.TypeSQLite} {
		t.Run(typ, func(t *testing.T) {
			ctx := context.Background()
			f := newFixtureOn(t, typ, 10, true, nil)

			r, err := f.engine.Slap(ctx, "u1", "Alice", "")
			require.NoError(t, err)
			require.Equal(t, 1, r.Count)
			r, err = f.engine.Slap(ctx, "u1", "Alice", "Bob")
			require.NoError(t, err)
			require.Equal(t, 2, r.Count)

			msgs := f.gen.last()
			require.Len(t, msgs, 2)
			require.Contains(t, msgs[0].Content, "They have slapped you 2 time(s).")
			require.Equal(t, "*slaps Bob*", msgs[1].Content)

			r, err = f.engine.Slap(ctx, "u1", "Alice", "")
			require.NoError(t, err)
			require.Equal(t, 3, r.Count)

			raw, found, err := f.engine.Metadata(ctx, "u1", SlapCountKey)
			require.NoError(t, err)
			require.True(t, found)
			require.JSONEq(t, "3", string(raw))

			h, err := f.store.GetHistory(ctx, "u1")
			require.NoError(t, err)
			require.Empty(t, h)
		})
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	for _, typ := range []string{storage.TypeJSON, storage.TypeSQLite} {
		t.Run(typ, func(t *testing.T) {
			ctx := context.Background()
			f := newFixtureOn(t, typ, 10, true, nil)

			_, found, err := f.engine.Metadata(ctx, "u1", "slap_count")
			require.NoError(t, err)
			require.False(t, found)

			require.NoError(t, f.engine.SetMetadata(ctx, "u1", "slap_count", 3))
			raw, found, err := f.engine.Metadata(ctx, "u1", "slap_count")
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, "3", string(raw))
		})
	}
}

func TestConcurrentAsksDifferentUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6, true, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := f.engine.Ask(ctx, Request{UserID: id, DisplayName: strings.ToUpper(id), Text: "msg"})
				require.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	all, err := f.store.GetAllHistories(ctx)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.Len(t, all[id], 6)
	}
}
