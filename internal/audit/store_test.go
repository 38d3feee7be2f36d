package audit

import (
	"strings"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 20, 8, 15, 30, 987654321, time.UTC)
	id := "6f1e8400-e29b-41d4-a716-446655440000"

	cursor := encodeCursor(ts, id)
	gotTime, gotID, err := decodeCursor(cursor)
	if err != nil {
		t.Fatalf("unexpected error decoding cursor: %v", err)
	}
	if !gotTime.Equal(ts) {
		t.Errorf("time mismatch: got %v, want %v", gotTime, ts)
	}
	if gotID != id {
		t.Errorf("id mismatch: got %q, want %q", gotID, id)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{
		"!!!not-base64",
		"bm9waXBl",               // "nopipe"
		"YmFkLXRpbWV8c29tZS1pZA", // "bad-time|some-id"
	} {
		if _, _, err := decodeCursor(cursor); err == nil {
			t.Errorf("cursor %q should be rejected", cursor)
		}
	}
}

func TestBuildWhereClause(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		q        Query
		wantSQL  []string
		wantArgs int
	}{
		{"empty", Query{}, nil, 0},
		{"account only", Query{AccountID: "a1"}, []string{"account_id = $1"}, 1},
		{"analysis only", Query{Analysis: "debt-analysis"}, []string{"analysis = $1"}, 1},
		{
			"all filters",
			Query{AccountID: "a1", Analysis: "debt-analysis", From: from, To: to},
			[]string{"account_id = $1", "analysis = $2", "timestamp >= $3", "timestamp <= $4"},
			4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildWhereClause(tt.q)
			if len(args) != tt.wantArgs {
				t.Fatalf("expected %d args, got %d", tt.wantArgs, len(args))
			}
			if tt.wantArgs == 0 {
				if where != "" {
					t.Fatalf("expected empty clause, got %q", where)
				}
				return
			}
			if !strings.HasPrefix(where, " WHERE ") {
				t.Fatalf("clause should start with WHERE, got %q", where)
			}
			for _, frag := range tt.wantSQL {
				if !strings.Contains(where, frag) {
					t.Errorf("clause %q missing %q", where, frag)
				}
			}
		})
	}
}
