package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlexString decodes a JSON string, number, bool, or null into the string
// form the row pipeline validates. Upstream feeds are inconsistent about
// quoting amounts and flags.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) > 0 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = FlexString(v)
		return nil
	}
	// Numbers and booleans keep their literal form.
	*f = FlexString(s)
	return nil
}

// FeedEvent is one structured event. Unknown fields are dropped at decode
// time so raw payload extras never enter the pipeline.
type FeedEvent struct {
	MerchantID           FlexString `json:"merchant_id"`
	TS                   FlexString `json:"ts"`
	Amount               FlexString `json:"amount"`
	Direction            FlexString `json:"direction"`
	Channel              FlexString `json:"channel"`
	RecordStatus         FlexString `json:"record_status"`
	PartialRecord        FlexString `json:"partial_record"`
	RawCategory          FlexString `json:"raw_category"`
	RawNarration         FlexString `json:"raw_narration"`
	RawCounterpartyToken FlexString `json:"raw_counterparty_token"`
	PayerToken           FlexString `json:"payer_token"`
}

// FeedBatch mirrors TabularBatch for event feeds. ContentHash is the digest
// of the canonical serialization in document order.
type FeedBatch struct {
	Rows            []Row
	ContentHash     string
	EventCount      int
	PresentOptional map[string]bool
}

// ParseFeed projects events onto the same row contract the tabular adapter
// produces. An optional field counts as present in the batch schema when any
// event carries it.
func ParseFeed(events []FeedEvent) (*FeedBatch, error) {
	if len(events) == 0 {
		return nil, batcherr(BATCH_ERR_EMPTY, "no events")
	}
	if len(events) > maxTabularRows {
		return nil, batcherr(BATCH_ERR_BAD_REQUEST, fmt.Sprintf("too many events: > %d", maxTabularRows))
	}

	present := make(map[string]bool, len(OptionalFields))
	rows := make([]Row, 0, len(events))
	for _, e := range events {
		row := Row{
			FieldMerchantID: string(e.MerchantID),
			FieldTS:         string(e.TS),
			FieldAmount:     string(e.Amount),
			FieldDirection:  string(e.Direction),
			FieldChannel:    string(e.Channel),
		}
		optional := map[string]string{
			FieldRecordStatus:         string(e.RecordStatus),
			FieldPartialRecord:        string(e.PartialRecord),
			FieldRawCategory:          string(e.RawCategory),
			FieldRawNarration:         string(e.RawNarration),
			FieldRawCounterpartyToken: string(e.RawCounterpartyToken),
			FieldPayerToken:           string(e.PayerToken),
		}
		for field, val := range optional {
			if val != "" {
				row[field] = val
				present[field] = true
			}
		}
		rows = append(rows, row)
	}

	return &FeedBatch{
		Rows:            rows,
		ContentHash:     sha3Hex(CanonicalPayload(rows)),
		EventCount:      len(events),
		PresentOptional: present,
	}, nil
}
