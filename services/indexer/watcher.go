package indexer

import (
	"context"
	"log/slog"
	"time"

	"milestonemarket/core/events"
)

// Source yields journal records after a sequence.
type Source interface {
	Range(after uint64, limit int) ([]events.Record, error)
}

// Sink receives records once they are durably indexed.
type Sink interface {
	Deliver(rec events.Record)
}

// Watcher copies journal records into the index.
type Watcher struct {
	source       Source
	store        *Store
	sinks        []Sink
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(source Source, store *Store, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:       source,
		store:        store,
		logger:       logger.With(slog.String("component", "indexer")),
		pollInterval: time.Second,
		batchSize:    100,
	}
}

// AddSink registers a consumer notified after each committed batch.
func (w *Watcher) AddSink(sink Sink) {
	if sink != nil {
		w.sinks = append(w.sinks, sink)
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.source == nil || w.store == nil {
		return
	}
	interval := w.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sync(ctx); err != nil {
				w.logger.Warn("index sync failed", slog.Any("error", err))
			}
		}
	}
}

// Sync indexes every record not yet in the store and returns how many were
// added.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	after, err := w.store.LastSequence(ctx)
	if err != nil {
		return 0, err
	}
	batch := w.batchSize
	if batch <= 0 {
		batch = 100
	}
	total := 0
	for {
		records, err := w.source.Range(after, batch)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			return total, nil
		}
		indexed := records[:0:0]
		for _, rec := range records {
			if rec.Sequence <= after {
				continue
			}
			if err := w.store.InsertEvent(ctx, rec); err != nil {
				return total, err
			}
			after = rec.Sequence
			indexed = append(indexed, rec)
			total++
		}
		if err := w.store.UpdateSequence(ctx, after); err != nil {
			return total, err
		}
		for _, rec := range indexed {
			for _, sink := range w.sinks {
				sink.Deliver(rec)
			}
		}
		if len(records) < batch {
			return total, nil
		}
	}
}
