package pipeline

import (
	"testing"
)

func makeValidRow() Row {
	return Row{
		FieldMerchantID: "MRC-001",
		FieldTS:         "2025-11-05T09:01:00+05:30",
		FieldAmount:     "120.50",
		FieldDirection:  "credit",
		FieldChannel:    "UPI",
	}
}

func TestValidateRow_Accepts(t *testing.T) {
	vrow, reason := ValidateRow(makeValidRow())
	if vrow == nil {
		t.Fatalf("ValidateRow rejected valid row: %s", reason)
	}
	if vrow.MerchantID != "MRC-001" {
		t.Fatalf("merchant: got %q", vrow.MerchantID)
	}
	if !vrow.Amount.Equal(mustDecimal(t, "120.50")) {
		t.Fatalf("amount: got %s", vrow.Amount)
	}
	if vrow.Direction != DirectionCredit || vrow.Channel != ChannelUPI {
		t.Fatalf("direction/channel: got %s/%s", vrow.Direction, vrow.Channel)
	}
	if got := vrow.EventTS.Format("2006-01-02"); got != "2025-11-05" {
		t.Fatalf("event date: got %s", got)
	}
}

func TestValidateRow_CaseFolding(t *testing.T) {
	row := makeValidRow()
	row[FieldDirection] = " CREDIT "
	row[FieldChannel] = " upi "
	vrow, reason := ValidateRow(row)
	if vrow == nil {
		t.Fatalf("ValidateRow rejected folded row: %s", reason)
	}
	if vrow.Direction != DirectionCredit || vrow.Channel != ChannelUPI {
		t.Fatalf("folding: got %s/%s", vrow.Direction, vrow.Channel)
	}
}

func TestValidateRow_RejectionOrder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(Row)
		want   RejectionReason
	}{
		{"missing merchant", func(r Row) { r[FieldMerchantID] = "  " }, RejectMissingRequiredField},
		{"missing ts", func(r Row) { delete(r, FieldTS) }, RejectMissingRequiredField},
		{"bad ts", func(r Row) { r[FieldTS] = "yesterday" }, RejectInvalidTS},
		{"missing amount", func(r Row) { r[FieldAmount] = "" }, RejectMissingRequiredField},
		{"non-numeric amount", func(r Row) { r[FieldAmount] = "12,50" }, RejectInvalidAmount},
		{"zero amount", func(r Row) { r[FieldAmount] = "0" }, RejectInvalidAmount},
		{"negative amount", func(r Row) { r[FieldAmount] = "-5.00" }, RejectInvalidAmount},
		{"missing direction", func(r Row) { r[FieldDirection] = "" }, RejectMissingRequiredField},
		{"bad direction", func(r Row) { r[FieldDirection] = "sideways" }, RejectInvalidDirection},
		{"missing channel", func(r Row) { r[FieldChannel] = "" }, RejectMissingRequiredField},
		{"bad channel", func(r Row) { r[FieldChannel] = "CASH" }, RejectInvalidChannel},
		// First failing check wins when several fields are broken.
		{"bad ts and bad amount", func(r Row) { r[FieldTS] = "??"; r[FieldAmount] = "x" }, RejectInvalidTS},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := makeValidRow()
			tc.mutate(row)
			vrow, reason := ValidateRow(row)
			if vrow != nil {
				t.Fatalf("expected rejection, row accepted")
			}
			if reason != tc.want {
				t.Fatalf("reason: got %s want %s", reason, tc.want)
			}
		})
	}
}

func TestParseEventTS_Layouts(t *testing.T) {
	cases := []struct {
		raw     string
		wantUTC string
	}{
		{"2025-11-05T09:01:00+05:30", "2025-11-05T03:31:00Z"},
		{"2025-11-05T09:01:00.250+05:30", "2025-11-05T03:31:00Z"},
		{"2025-11-05T09:01:00Z", "2025-11-05T09:01:00Z"},
		{"2025-11-05 09:01:00Z", "2025-11-05T09:01:00Z"},
		// Zone-less forms parse as UTC.
		{"2025-11-05T09:01:00", "2025-11-05T09:01:00Z"},
		{"2025-11-05 09:01:00", "2025-11-05T09:01:00Z"},
	}
	for _, tc := range cases {
		ts, err := parseEventTS(tc.raw)
		if err != nil {
			t.Fatalf("parseEventTS(%q): %v", tc.raw, err)
		}
		if got := ts.UTC().Format(timeLayoutRFC3339); got != tc.wantUTC {
			t.Fatalf("parseEventTS(%q): got %s want %s", tc.raw, got, tc.wantUTC)
		}
	}

	for _, bad := range []string{"", "   ", "2025-13-40T00:00:00Z", "not-a-date", "1699999999"} {
		if _, err := parseEventTS(bad); err == nil {
			t.Fatalf("parseEventTS(%q): expected error", bad)
		}
	}
}

func TestValidateRow_OffsetPreserved(t *testing.T) {
	// The record day is taken in the row's own timezone, so the offset must
	// survive parsing.
	row := makeValidRow()
	row[FieldTS] = "2025-11-05T01:30:00+05:30"
	vrow, _ := ValidateRow(row)
	if vrow == nil {
		t.Fatalf("ValidateRow rejected row")
	}
	if got := vrow.EventTS.Format("2006-01-02"); got != "2025-11-05" {
		t.Fatalf("local date: got %s", got)
	}
	if got := vrow.EventTS.UTC().Format("2006-01-02"); got != "2025-11-04" {
		t.Fatalf("utc date: got %s", got)
	}
}
