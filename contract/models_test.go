package contract

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"pending":    StatusPending,
		" Disputed ": StatusDisputed,
		"RESOLVED":   StatusResolved,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("parse %q: unexpected error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s got %s", raw, want, got)
		}
	}

	if _, err := ParseStatus("appealed"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("expected checksummed address, got %s", got)
	}

	for _, raw := range []string{"", "0xAA", "not-an-address"} {
		if _, err := NormalizeAddress(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected ErrInvalidAddress for %q, got %v", raw, err)
		}
	}
}

func TestRecordIsParty(t *testing.T) {
	rec := Record{PartyA: "0xAbC", PartyB: "0xdef"}
	if !rec.IsParty("0xabc") || !rec.IsParty("0xDEF") {
		t.Fatal("expected both parties to match case-insensitively")
	}
	if rec.IsParty("0x123") {
		t.Fatal("expected outsider to be rejected")
	}
}
