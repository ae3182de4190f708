// Пакет idempotency обслуживает хранилище ключей повтора чекаута: под
// каждым ключом лежит сохранённый HTTP-ответ, который отдаётся клиенту
// при повторной попытке оформить тот же заказ. Ключи живут ограниченное
// время, воркер отсюда вычищает просроченные.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	purgeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_idempotency_purge_runs_total",
		Help: "Purge runs over expired checkout replay keys grouped by outcome.",
	}, []string{"outcome"})
	purgedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shop_idempotency_keys_purged_total",
		Help: "Expired checkout replay keys removed so far.",
	})
	lastPurgeSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shop_idempotency_last_purge_size",
		Help: "Replay keys removed during the most recent purge run.",
	})
)

// CleanupOptions задаёт параметры очистки просроченных ключей.
type CleanupOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт паузу между проходами очистки.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize задаёт, сколько ключей удаляется за один запрос к базе.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// CleanupWorker периодически удаляет ключи повтора, у которых истёк TTL.
// Без него таблица растёт на каждый чекаут с Idempotency-Key.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewCleanupWorker создаёт воркер очистки просроченных ключей повтора.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую очистку до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: repo is nil")
		return
	}

	w.purge(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.purge(ctx, time.Now().UTC())
		}
	}
}

func (w *CleanupWorker) purge(ctx context.Context, before time.Time) {
	deleted, err := w.DeleteExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		purgeRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("replay key purge failed")
		return
	}

	purgeRuns.WithLabelValues("ok").Inc()
	lastPurgeSize.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired replay keys purged")
	}
}

// DeleteExpired удаляет все ключи с ttl <= before порциями batchSize,
// возвращает суммарное число удалённых.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			purgedKeys.Add(float64(deleted))
		}

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
