package pipeline

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := parseEventTS(s)
	if err != nil {
		t.Fatalf("timestamp %q: %v", s, err)
	}
	return ts
}

func csvBytes(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func makeRecord(t *testing.T, ts, amount string, dir Direction, ch Channel) CanonicalRecord {
	t.Helper()
	return CanonicalRecord{
		SubjectRef: "SUBJ-1",
		MerchantID: "MRC-001",
		EventTS:    mustTime(t, ts),
		Amount:     mustDecimal(t, amount),
		Direction:  dir,
		Channel:    ch,
	}
}
