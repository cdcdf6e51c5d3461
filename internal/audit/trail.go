package audit

import (
	"context"
	"log/slog"

	"github.com/hearthd/hearthd/internal/events"
)

// defaultMaxEntries caps the audit table when the config does not set a
// limit.
const defaultMaxEntries = 10000

// trimEvery bounds how many inserts may pass between trim passes, so the
// table overshoots the cap by at most this many rows.
const trimEvery = 128

// Trail drains the event bus into the store. Rule and user activity is
// recorded; device state traffic is not, it would dwarf everything else.
type Trail struct {
	log   *slog.Logger
	store *Store
	bus   *events.Bus
	max   int

	sinceTrim int
}

// NewTrail creates an audit trail over the given store. maxEntries of
// zero or less selects the default cap.
func NewTrail(log *slog.Logger, store *Store, bus *events.Bus, maxEntries int) *Trail {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Trail{log: log, store: store, bus: bus, max: maxEntries}
}

// Run consumes bus events until the context is cancelled. It trims once
// on entry so an over-cap table left by a crash shrinks promptly.
func (t *Trail) Run(ctx context.Context) {
	if err := t.store.Trim(t.max); err != nil {
		t.log.Error("trimming audit trail failed", "error", err)
	}

	ch := t.bus.Subscribe(64)
	defer t.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			t.record(e)
		}
	}
}

func (t *Trail) record(e events.Event) {
	if !recorded(e) {
		return
	}
	err := t.store.Append(Entry{
		Timestamp: e.Timestamp,
		Source:    e.Source,
		Kind:      e.Kind,
		Data:      e.Data,
	})
	if err != nil {
		t.log.Error("appending audit entry failed", "kind", e.Kind, "error", err)
		return
	}
	t.sinceTrim++
	if t.sinceTrim >= trimEvery {
		t.sinceTrim = 0
		if err := t.store.Trim(t.max); err != nil {
			t.log.Error("trimming audit trail failed", "error", err)
		}
	}
}

// recorded reports whether an event belongs in the trail.
func recorded(e events.Event) bool {
	switch e.Source {
	case events.SourceRules, events.SourceUsers:
		return true
	case events.SourceCloud:
		return e.Kind == events.KindCloudConnected
	default:
		return false
	}
}
