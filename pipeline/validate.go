package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const timeLayoutRFC3339 = "2006-01-02T15:04:05Z07:00"

// Accepted timestamp layouts, tried in order. Layouts without a zone are
// coerced to UTC.
var eventTSLayouts = []string{
	timeLayoutRFC3339,
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseEventTS parses a raw timestamp into an absolute instant with its
// offset preserved. Zone-less forms parse in UTC so the result is always
// timezone-aware.
func parseEventTS(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range eventTSLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp")
}

// ValidatedRow carries the typed required fields of a row that passed
// validation. Hint fields stay on the Row until normalization.
type ValidatedRow struct {
	MerchantID string
	EventTS    time.Time
	Amount     decimal.Decimal
	Direction  Direction
	Channel    Channel
}

func missing(row Row, field string) bool {
	return strings.TrimSpace(row[field]) == ""
}

// ValidateRow runs the ordered checks of the row contract: required-field
// presence, timestamp parseability, positive numeric amount, direction and
// channel membership. The first failure determines the rejection bucket.
func ValidateRow(row Row) (*ValidatedRow, RejectionReason) {
	if missing(row, FieldMerchantID) {
		return nil, RejectMissingRequiredField
	}

	if missing(row, FieldTS) {
		return nil, RejectMissingRequiredField
	}
	ts, err := parseEventTS(row[FieldTS])
	if err != nil {
		return nil, RejectInvalidTS
	}

	if missing(row, FieldAmount) {
		return nil, RejectMissingRequiredField
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(row[FieldAmount]))
	if err != nil {
		return nil, RejectInvalidAmount
	}
	if !amount.IsPositive() {
		return nil, RejectInvalidAmount
	}

	if missing(row, FieldDirection) {
		return nil, RejectMissingRequiredField
	}
	direction, ok := ParseDirection(strings.ToLower(strings.TrimSpace(row[FieldDirection])))
	if !ok {
		return nil, RejectInvalidDirection
	}

	if missing(row, FieldChannel) {
		return nil, RejectMissingRequiredField
	}
	channel, ok := ParseChannel(strings.ToUpper(strings.TrimSpace(row[FieldChannel])))
	if !ok {
		return nil, RejectInvalidChannel
	}

	return &ValidatedRow{
		MerchantID: strings.TrimSpace(row[FieldMerchantID]),
		EventTS:    ts,
		Amount:     amount,
		Direction:  direction,
		Channel:    channel,
	}, ""
}
