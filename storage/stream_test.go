package storage_test

import (
	"strings"
	"testing"

	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

func fields(pairs ...string) []storage.FieldPair {
	out := make([]storage.FieldPair, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, storage.FieldPair{Field: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return out
}

func TestParseIDSpec(t *testing.T) {
	tests := []struct {
		input   string
		want    storage.IDSpec
		wantErr bool
	}{
		{input: "*", want: storage.IDSpec{Kind: storage.IDAuto}},
		{input: "5-*", want: storage.IDSpec{Kind: storage.IDAutoSeq, Ms: 5}},
		{input: "5-3", want: storage.IDSpec{Kind: storage.IDExplicit, Ms: 5, Seq: 3}},
		{input: "5", want: storage.IDSpec{Kind: storage.IDExplicit, Ms: 5, Seq: 0}},
		{input: "abc", wantErr: true},
		{input: "1-x", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := storage.ParseIDSpec(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIDSpec(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseIDSpec(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestXAddExplicitIDs(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	id, err := s.XAdd("s", mustSpec(t, "1-1"), fields("a", "1"))
	if err != nil {
		t.Fatalf("XAdd(1-1) error = %v", err)
	}
	if id.String() != "1-1" {
		t.Errorf("XAdd(1-1) = %s, want 1-1", id)
	}

	// Duplicate id must be rejected with the canonical message.
	if _, err := s.XAdd("s", mustSpec(t, "1-1"), fields("b", "2")); err == nil {
		t.Fatal("XAdd(1-1) twice must fail")
	} else if !strings.Contains(err.Error(), "equal or smaller") {
		t.Errorf("error = %v, want it to contain \"equal or smaller\"", err)
	}

	// Smaller id likewise.
	if _, err := s.XAdd("s", mustSpec(t, "0-5"), fields("b", "2")); err == nil {
		t.Fatal("XAdd(0-5) after 1-1 must fail")
	}

	id, err = s.XAdd("s", mustSpec(t, "1-2"), fields("b", "2"))
	if err != nil {
		t.Fatalf("XAdd(1-2) error = %v", err)
	}
	if id.String() != "1-2" {
		t.Errorf("XAdd(1-2) = %s, want 1-2", id)
	}
}

func TestXAddZeroID(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	if _, err := s.XAdd("s", mustSpec(t, "0-0"), fields("a", "1")); err != storage.ErrStreamIDZero {
		t.Errorf("XAdd(0-0) error = %v, want ErrStreamIDZero", err)
	}

	// 0-1 is fine on a fresh stream: only 0-0 is reserved.
	if _, err := s.XAdd("s", mustSpec(t, "0-1"), fields("a", "1")); err != nil {
		t.Errorf("XAdd(0-1) error = %v", err)
	}
}

func TestXAddAutoSeq(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	id, err := s.XAdd("s", mustSpec(t, "5-*"), fields("a", "1"))
	if err != nil {
		t.Fatalf("XAdd(5-*) error = %v", err)
	}
	if id.String() != "5-0" {
		t.Errorf("XAdd(5-*) = %s, want 5-0", id)
	}

	id, err = s.XAdd("s", mustSpec(t, "5-*"), fields("b", "2"))
	if err != nil {
		t.Fatalf("XAdd(5-*) error = %v", err)
	}
	if id.String() != "5-1" {
		t.Errorf("XAdd(5-*) = %s, want 5-1", id)
	}

	if _, err := s.XAdd("s", mustSpec(t, "4-*"), fields("c", "3")); err == nil {
		t.Error("XAdd(4-*) below the top item must fail")
	}
}

func TestXAddAuto(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	first, err := s.XAdd("s", mustSpec(t, "*"), fields("a", "1"))
	if err != nil {
		t.Fatalf("XAdd(*) error = %v", err)
	}
	if first.Ms == 0 {
		t.Error("auto id must use the wall clock")
	}

	second, err := s.XAdd("s", mustSpec(t, "*"), fields("b", "2"))
	if err != nil {
		t.Fatalf("XAdd(*) error = %v", err)
	}
	if second.Compare(first) <= 0 {
		t.Errorf("auto ids must be strictly increasing: %s then %s", first, second)
	}
}

func TestXAddWrongType(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	s.Set("str", []byte("v"), nil)

	if _, err := s.XAdd("str", mustSpec(t, "1-1"), fields("a", "1")); err != storage.ErrWrongType {
		t.Errorf("XAdd on string key error = %v, want ErrWrongType", err)
	}
}

func TestXRange(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	for _, id := range []string{"1-1", "1-2", "2-0", "3-5"} {
		if _, err := s.XAdd("s", mustSpec(t, id), fields("id", id)); err != nil {
			t.Fatalf("XAdd(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name       string
		start, end string
		want       []string
	}{
		{name: "full range", start: "-", end: "+", want: []string{"1-1", "1-2", "2-0", "3-5"}},
		{name: "explicit inclusive bounds", start: "1-2", end: "2-0", want: []string{"1-2", "2-0"}},
		{name: "bare ms start", start: "1", end: "+", want: []string{"1-1", "1-2", "2-0", "3-5"}},
		{name: "bare ms end covers whole millisecond", start: "-", end: "1", want: []string{"1-1", "1-2"}},
		{name: "empty window", start: "4", end: "+", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, err := storage.ParseRangeStart(tt.start)
			if err != nil {
				t.Fatalf("ParseRangeStart(%q) error = %v", tt.start, err)
			}
			end, err := storage.ParseRangeEnd(tt.end)
			if err != nil {
				t.Fatalf("ParseRangeEnd(%q) error = %v", tt.end, err)
			}

			entries, err := s.XRange("s", start, end)
			if err != nil {
				t.Fatalf("XRange() error = %v", err)
			}

			if len(entries) != len(tt.want) {
				t.Fatalf("XRange() returned %d entries, want %d", len(entries), len(tt.want))
			}
			for i, want := range tt.want {
				if entries[i].ID.String() != want {
					t.Errorf("entry %d id = %s, want %s", i, entries[i].ID, want)
				}
			}
		})
	}

	// Missing key is an empty result, not an error.
	if entries, err := s.XRange("missing", storage.StreamID{}, storage.MaxStreamID); err != nil || len(entries) != 0 {
		t.Errorf("XRange(missing) = %v, %v; want empty, nil", entries, err)
	}

	// Field order within an entry is insertion order.
	s.XAdd("ordered", mustSpec(t, "1-1"), fields("z", "1", "a", "2"))
	entries, _ := s.XRange("ordered", storage.StreamID{}, storage.MaxStreamID)
	if len(entries) != 1 || string(entries[0].Fields[0].Field) != "z" || string(entries[0].Fields[1].Field) != "a" {
		t.Errorf("field order not preserved: %+v", entries)
	}
}

func TestXLen(t *testing.T) {
	s := storage.NewMemory()
	defer s.Close()

	if n, err := s.XLen("s"); err != nil || n != 0 {
		t.Errorf("XLen(missing) = %d, %v; want 0, nil", n, err)
	}

	s.XAdd("s", mustSpec(t, "1-1"), fields("a", "1"))
	s.XAdd("s", mustSpec(t, "1-2"), fields("b", "2"))

	if n, _ := s.XLen("s"); n != 2 {
		t.Errorf("XLen() = %d, want 2", n)
	}
}

func mustSpec(t *testing.T, s string) storage.IDSpec {
	t.Helper()
	spec, err := storage.ParseIDSpec(s)
	if err != nil {
		t.Fatalf("ParseIDSpec(%q) error = %v", s, err)
	}
	return spec
}
