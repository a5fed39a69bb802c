// Package compaction implements the periodic task that collapses a
// document's update log into a fresh snapshot once it crosses a
// configurable threshold (spec.md §4.3).
package compaction

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomas789/syncline/internal/store"
)

// ThresholdFunc returns the current update-count threshold a document must
// cross before it's eligible for compaction. It is re-read on every scan
// tick, so a runtime reconfiguration (e.g. via viper) to a lower value
// takes effect on the next scan without a restart (spec.md §4.3).
type ThresholdFunc func() int

// Engine runs the compaction scan loop. It holds no session locks; its
// reconstructions take slots from the same bounded reconstruction cap the
// sessions' EncodeDiff calls use.
type Engine struct {
	store     *store.Store
	threshold ThresholdFunc
	interval  time.Duration
	log       zerolog.Logger
}

func New(s *store.Store, threshold ThresholdFunc, interval time.Duration, log zerolog.Logger) *Engine {
	return &Engine{store: s, threshold: threshold, interval: interval, log: log.With().Str("component", "compaction").Logger()}
}

// Run scans every doc_id on each tick until ctx is cancelled. Intended to
// be launched in its own goroutine from main.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context) {
	threshold := e.threshold()
	docIDs, err := e.store.CompactableDocIDs(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("compaction: list doc_ids")
		return
	}
	for _, docID := range docIDs {
		if ctx.Err() != nil {
			return
		}
		count, err := e.store.UpdateCountSince(ctx, docID)
		if err != nil {
			e.log.Error().Err(err).Str("doc_id", docID).Msg("compaction: count updates")
			continue
		}
		if count < threshold {
			continue
		}
		if err := e.store.Compact(ctx, docID); err != nil {
			e.log.Error().Err(err).Str("doc_id", docID).Msg("compaction: compact")
			continue
		}
		e.log.Info().Str("doc_id", docID).Int("updates_folded", count).Msg("compacted")
	}
}
