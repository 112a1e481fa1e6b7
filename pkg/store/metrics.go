package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"merakstore/pkg/models"
)

var (
	opTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merakstore_store_ops_total",
		Help: "Store facade operations by backend, operation and result.",
	}, []string{"backend", "op", "result"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merakstore_store_op_duration_seconds",
		Help:    "Store facade operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
)

// WithMetrics wraps a backend so every facade call is counted and timed.
// The wrapper adds no semantics; contract tests run against the bare
// backends.
func WithMetrics(backend string, s Store) Store {
	return &metered{backend: backend, next: s}
}

type metered struct {
	backend string
	next    Store
}

func (m *metered) observe(op string, start time.Time, err error) {
	opDuration.WithLabelValues(m.backend, op).Observe(time.Since(start).Seconds())
	opTotal.WithLabelValues(m.backend, op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (m *metered) SaveThread(ctx context.Context, user string, th *models.Thread) error {
	start := time.Now()
	err := m.next.SaveThread(ctx, user, th)
	m.observe("save_thread", start, err)
	return err
}

func (m *metered) LoadThread(ctx context.Context, user, threadID string) (models.Thread, error) {
	start := time.Now()
	th, err := m.next.LoadThread(ctx, user, threadID)
	m.observe("load_thread", start, err)
	return th, err
}

func (m *metered) ListThreads(ctx context.Context, user, cursor string, limit int) ([]models.Thread, string, error) {
	start := time.Now()
	ths, next, err := m.next.ListThreads(ctx, user, cursor, limit)
	m.observe("list_threads", start, err)
	return ths, next, err
}

func (m *metered) AppendItem(ctx context.Context, user, threadID string, it *models.Item) (models.Item, error) {
	start := time.Now()
	out, err := m.next.AppendItem(ctx, user, threadID, it)
	m.observe("append_item", start, err)
	return out, err
}

func (m *metered) ListItems(ctx context.Context, user, threadID, cursor string, limit int, order Order) ([]models.Item, string, error) {
	start := time.Now()
	items, next, err := m.next.ListItems(ctx, user, threadID, cursor, limit, order)
	m.observe("list_items", start, err)
	return items, next, err
}

func (m *metered) UpdateItemStatus(ctx context.Context, user, threadID, itemID string, to models.Status) (models.Item, error) {
	start := time.Now()
	out, err := m.next.UpdateItemStatus(ctx, user, threadID, itemID, to)
	m.observe("update_item_status", start, err)
	return out, err
}

func (m *metered) Close() error { return m.next.Close() }
