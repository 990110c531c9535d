package countdown

import (
	"context"
	"sync"

	"github.com/okian/feedbackd/internal/adapters/store"
	"github.com/okian/feedbackd/internal/domain/model"
	"github.com/okian/feedbackd/pkg/logger"
)

// RevealLedger remembers meetings whose reveal countdown completed so it never runs twice.
// Reads never wait for the store: writes update memory first and are then
// persisted one at a time.
type RevealLedger struct {
	mu       sync.RWMutex
	writeMu  sync.Mutex
	store    store.Store
	revealed model.RespondedSet
	log      logger.Logger
}

// NewRevealLedger loads the revealed meetings from s. Corrupt state starts empty.
func NewRevealLedger(ctx context.Context, s store.Store, log logger.Logger) *RevealLedger {
	if log == nil {
		log = logger.Get().Named("reveal")
	}
	revealed, err := store.LoadRevealed(ctx, s)
	if err != nil {
		log.Warn(ctx, "revealed meetings unreadable, starting empty", logger.Error(err))
	}
	return &RevealLedger{store: s, revealed: revealed, log: log}
}

// Revealed reports whether the reveal for id already ran.
func (r *RevealLedger) Revealed(id model.MeetingID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revealed.Has(id)
}

// Mark records id as revealed and persists the ledger.
func (r *RevealLedger) Mark(ctx context.Context, id model.MeetingID) error {
	return r.update(ctx, func(set model.RespondedSet) model.RespondedSet { return set.Add(id) })
}

// Unmark forgets id, so its reveal can run again.
func (r *RevealLedger) Unmark(ctx context.Context, id model.MeetingID) error {
	return r.update(ctx, func(set model.RespondedSet) model.RespondedSet { return set.Remove(id) })
}

func (r *RevealLedger) update(ctx context.Context, change func(model.RespondedSet) model.RespondedSet) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	before := r.revealed
	r.revealed = change(before)
	after := r.revealed
	r.mu.Unlock()

	if after.Equal(before) {
		return nil
	}
	return store.SaveRevealed(ctx, r.store, after)
}

// Clear forgets every revealed meeting.
func (r *RevealLedger) Clear(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.revealed = model.RespondedSet{}
	r.mu.Unlock()
	return r.store.Remove(ctx, store.KeyRevealedMeetings)
}
