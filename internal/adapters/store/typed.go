package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/feedbackd/internal/domain/model"
)

func loadJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var zero T
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return v, true, nil
}

func saveJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// LoadResponded returns the persisted responded set. Missing values yield an
// empty set; corrupt values yield an empty set and an ErrCorrupt error.
func LoadResponded(ctx context.Context, s Store) (model.RespondedSet, error) {
	v, _, err := loadJSON[model.RespondedSet](ctx, s, KeyRespondedMeetings)
	if err != nil {
		return model.RespondedSet{}, err
	}
	return model.NewRespondedSet(v...), nil
}

// SaveResponded persists the responded set.
func SaveResponded(ctx context.Context, s Store, set model.RespondedSet) error {
	return saveJSON(ctx, s, KeyRespondedMeetings, model.NewRespondedSet(set...))
}

// LoadRevealed returns the meetings whose reveal countdown already completed.
func LoadRevealed(ctx context.Context, s Store) (model.RespondedSet, error) {
	v, _, err := loadJSON[model.RespondedSet](ctx, s, KeyRevealedMeetings)
	if err != nil {
		return model.RespondedSet{}, err
	}
	return model.NewRespondedSet(v...), nil
}

// SaveRevealed persists the revealed meetings.
func SaveRevealed(ctx context.Context, s Store, set model.RespondedSet) error {
	return saveJSON(ctx, s, KeyRevealedMeetings, model.NewRespondedSet(set...))
}

// LoadTimer returns the persisted next-meeting timer; ok is false when absent or corrupt.
func LoadTimer(ctx context.Context, s Store) (model.NextMeetingTimer, bool, error) {
	return loadJSON[model.NextMeetingTimer](ctx, s, KeyNextMeetingTimer)
}

// SaveTimer persists the next-meeting timer.
func SaveTimer(ctx context.Context, s Store, t model.NextMeetingTimer) error {
	return saveJSON(ctx, s, KeyNextMeetingTimer, t)
}

// ClearTimer removes the persisted next-meeting timer.
func ClearTimer(ctx context.Context, s Store) error {
	return s.Remove(ctx, KeyNextMeetingTimer)
}
