package db

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestStringSetMarshalSorted(t *testing.T) {
	s := NewStringSet("b", "a", "c")
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `["a","b","c"]` {
		t.Fatalf("got %s", b)
	}
}

func TestStringSetRoundTrip(t *testing.T) {
	var s StringSet
	if err := json.Unmarshal([]byte(`["x","y"]`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.Has("x") || !s.Has("y") || s.Has("z") {
		t.Fatalf("got %v", s.Members())
	}
}

func TestStringSetCloneIsIndependent(t *testing.T) {
	s := NewStringSet("a")
	c := s.Clone()
	c.Add("b")
	if s.Has("b") {
		t.Fatal("clone mutated the original")
	}
}

func TestMessageRefPairEncoding(t *testing.T) {
	ref := MessageRef{ChannelID: "c1", MessageID: "m1"}
	b, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `["c1","m1"]` {
		t.Fatalf("got %s", b)
	}
	var back MessageRef
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != ref {
		t.Fatalf("got %+v", back)
	}
}

func TestDecodeSetFailsOpen(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   []string
	}{
		{"empty column", "", true, []string{}},
		{"valid", `["a"]`, true, []string{"a"}},
		{"malformed json", `{not json`, false, []string{}},
		{"wrong shape", `{"a":1}`, false, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := decodeSet([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !reflect.DeepEqual(s.Members(), tt.want) {
				t.Fatalf("members = %v, want %v", s.Members(), tt.want)
			}
		})
	}
}

func TestDecodeMapFailsOpen(t *testing.T) {
	m, ok := decodeMap([]byte(`["not","a","map"]`))
	if ok || len(m) != 0 {
		t.Fatalf("malformed map should fail open, got ok=%v m=%v", ok, m)
	}
	m, ok = decodeMap([]byte(`{"u1":"r1"}`))
	if !ok || m["u1"] != "r1" {
		t.Fatalf("valid map mis-decoded: ok=%v m=%v", ok, m)
	}
}

func TestHasMessage(t *testing.T) {
	rec := StreamRecord{PostedMessages: []MessageRef{{ChannelID: "c1", MessageID: "m1"}}}
	if !rec.HasMessage(MessageRef{ChannelID: "c1", MessageID: "m1"}) {
		t.Fatal("existing ref not found")
	}
	if rec.HasMessage(MessageRef{ChannelID: "c1", MessageID: "m2"}) {
		t.Fatal("missing ref reported present")
	}
}
