package model

import (
	"encoding/json"
	"slices"
)

// RespondedSet is an ordered, de-duplicated set of meetings the user has
// given feedback for. The zero value is an empty set. Values are never
// modified in place; every operation returns a new set.
type RespondedSet []MeetingID

// NewRespondedSet builds a set from ids in any order, dropping duplicates.
func NewRespondedSet(ids ...MeetingID) RespondedSet {
	out := make(RespondedSet, len(ids))
	copy(out, ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Has reports whether id is in the set.
func (s RespondedSet) Has(id MeetingID) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// Add returns a set that also contains id.
func (s RespondedSet) Add(id MeetingID) RespondedSet {
	if s.Has(id) {
		return s
	}
	out := make(RespondedSet, 0, len(s)+1)
	out = append(out, s...)
	out = append(out, id)
	slices.Sort(out)
	return out
}

// Remove returns a set without id.
func (s RespondedSet) Remove(id MeetingID) RespondedSet {
	i, ok := slices.BinarySearch(s, id)
	if !ok {
		return s
	}
	out := make(RespondedSet, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

// Union returns s ∪ other. It is commutative and idempotent.
func (s RespondedSet) Union(other RespondedSet) RespondedSet {
	out := make(RespondedSet, 0, len(s)+len(other))
	out = append(out, s...)
	out = append(out, other...)
	return NewRespondedSet(out...)
}

// Equal reports whether both sets hold the same ids.
func (s RespondedSet) Equal(other RespondedSet) bool {
	return slices.Equal(NewRespondedSet(s...), NewRespondedSet(other...))
}

// MarshalJSON encodes the set as an array, never null.
func (s RespondedSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]MeetingID(s))
}

// UnmarshalJSON decodes an array of ids and normalizes it.
func (s *RespondedSet) UnmarshalJSON(data []byte) error {
	var ids []MeetingID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewRespondedSet(ids...)
	return nil
}
