package db

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StringSet is a set-valued JSONB column. It marshals as a sorted JSON array so
// stored state is stable across writes, and unmarshals from any array of strings
// (duplicates collapse).
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

func (s StringSet) Has(v string) bool { _, ok := s[v]; return ok }

func (s StringSet) Add(v string) { s[v] = struct{}{} }

func (s StringSet) Remove(v string) { delete(s, v) }

// Members returns the set contents in sorted order.
func (s StringSet) Members() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Members())
}

func (s *StringSet) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	out := make(StringSet, len(list))
	for _, v := range list {
		out[v] = struct{}{}
	}
	*s = out
	return nil
}

// MessageRef is one posted notification handle. The wire format is a two-element
// JSON array [channelID, messageID], matching the stored posted_messages shape.
type MessageRef struct {
	ChannelID string
	MessageID string
}

func (m MessageRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.ChannelID, m.MessageID})
}

func (m *MessageRef) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("message ref: want [channel, message] pair, got %d elements", len(pair))
	}
	m.ChannelID, m.MessageID = pair[0], pair[1]
	return nil
}

// decodeSet parses a JSONB set column, failing open to an empty set on malformed
// data so one corrupt row cannot take a group out of the reconciliation pass.
func decodeSet(raw []byte) (StringSet, bool) {
	if len(raw) == 0 {
		return StringSet{}, true
	}
	var s StringSet
	if err := json.Unmarshal(raw, &s); err != nil {
		return StringSet{}, false
	}
	return s, true
}

// decodeMap parses a JSONB map column with the same fail-open policy as decodeSet.
func decodeMap(raw []byte) (map[string]string, bool) {
	if len(raw) == 0 {
		return map[string]string{}, true
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]string{}, false
	}
	return m, true
}
