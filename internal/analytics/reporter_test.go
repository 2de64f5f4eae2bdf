package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"persona-chatter/internal/metrics"
	"persona-chatter/internal/storage"
)

func TestReporterPublishesGauges(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	st, err := storage.NewDocumentStore(t.TempDir(), storage.CorruptAsEmpty, storage.Options{
		Now: func() time.Time { return day },
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := st.AppendMessage(ctx, id, storage.RoleUser, "hi", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := st.AppendMessage(ctx, id, storage.RoleAssistant, "hello", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	m := metrics.New()
	r := NewReporter(st, m, zap.NewNop())
	r.now = func() time.Time { return day.Add(12 * time.Hour) }
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := testutil.ToFloat64(m.StoredMessages); got != 4 {
		t.Fatalf("stored messages gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.DailyActiveUsers); got != 2 {
		t.Fatalf("active users gauge = %v", got)
	}
}
