package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"persona-chatter/internal/metrics"
	"persona-chatter/internal/storage"
)

// Reporter builds the daily usage report from the store.
type Reporter struct {
	store   storage.Store
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewReporter(store storage.Store, m *metrics.Metrics, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{store: store, metrics: m, log: log.Named("report"), now: func() time.Time { return time.Now().UTC() }}
}

// Run analyses today's activity, logs the summary and publishes the totals
// as gauges.
func (r *Reporter) Run(ctx context.Context) error {
	histories, err := r.store.GetAllHistories(ctx)
	if err != nil {
		return fmt.Errorf("read histories: %w", err)
	}
	names, err := r.store.GetAllDisplayNames(ctx)
	if err != nil {
		return fmt.Errorf("read display names: %w", err)
	}
	stats := AnalyzeDailyHistories(histories, names, r.now())

	if r.metrics != nil {
		r.metrics.StoredUsers.Set(float64(stats.StoredUsers))
		r.metrics.StoredMessages.Set(float64(stats.StoredMessages))
		r.metrics.DailyActiveUsers.Set(float64(stats.ActiveUsers))
	}
	r.log.Info("daily usage report",
		zap.String("date", stats.Date),
		zap.Int("user_messages", stats.UserMessages),
		zap.Int("assistant_messages", stats.AssistantMessages),
		zap.Int("active_users", stats.ActiveUsers),
		zap.Int("stored_users", stats.StoredUsers),
		zap.Int("stored_messages", stats.StoredMessages),
	)
	r.log.Debug(stats.GenerateReportSummary())
	return nil
}
