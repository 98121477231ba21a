// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"time"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_store_ops_total",
			Help: "Total session store operations",
		},
		[]string{"backend", "op", "result"}, // result=success/error
	)
	storeLat = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rc_store_op_seconds",
			Help:    "Session store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// instrumentedStore wraps any Store to capture metrics.
type instrumentedStore struct {
	inner   Store
	backend string
}

func NewInstrumentedStore(inner Store, backend string) Store {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	dur := time.Since(start).Seconds()
	res := "success"
	if err != nil {
		res = "error"
	}
	storeOps.WithLabelValues(i.backend, op, res).Inc()
	storeLat.WithLabelValues(i.backend, op).Observe(dur)
}

func (i *instrumentedStore) CreateSession(ctx context.Context, rec *model.SessionRecord) (err error) {
	start := time.Now()
	defer func() { i.observe("create_session", start, err) }()
	return i.inner.CreateSession(ctx, rec)
}

func (i *instrumentedStore) GetSession(ctx context.Context, id string) (rec *model.SessionRecord, err error) {
	start := time.Now()
	defer func() { i.observe("get_session", start, err) }()
	return i.inner.GetSession(ctx, id)
}

func (i *instrumentedStore) UpdateSession(ctx context.Context, id string, fn func(*model.SessionRecord) error) (rec *model.SessionRecord, err error) {
	start := time.Now()
	defer func() { i.observe("update_session", start, err) }()
	return i.inner.UpdateSession(ctx, id, fn)
}

func (i *instrumentedStore) ActiveSessionForDevice(ctx context.Context, deviceID string) (rec *model.SessionRecord, err error) {
	start := time.Now()
	defer func() { i.observe("active_for_device", start, err) }()
	return i.inner.ActiveSessionForDevice(ctx, deviceID)
}

func (i *instrumentedStore) QuerySessions(ctx context.Context, filter SessionFilter) (list []*model.SessionRecord, err error) {
	start := time.Now()
	defer func() { i.observe("query_sessions", start, err) }()
	return i.inner.QuerySessions(ctx, filter)
}

func (i *instrumentedStore) DeleteSession(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { i.observe("delete_session", start, err) }()
	return i.inner.DeleteSession(ctx, id)
}

func (i *instrumentedStore) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { i.observe("ping", start, err) }()
	return i.inner.Ping(ctx)
}

func (i *instrumentedStore) Close() error {
	return i.inner.Close()
}
