package pipeline

import "strings"

// Normalize projects a validated, gated row onto the canonical record. Pure:
// no side effects, no retained references to the row.
func Normalize(subjectRef string, vrow *ValidatedRow, row Row) CanonicalRecord {
	return CanonicalRecord{
		SubjectRef: subjectRef,
		MerchantID: vrow.MerchantID,
		EventTS:    vrow.EventTS,
		Amount:     vrow.Amount,
		Direction:  vrow.Direction,
		Channel:    vrow.Channel,

		RawCategory:          strings.TrimSpace(row[FieldRawCategory]),
		RawNarration:         strings.TrimSpace(row[FieldRawNarration]),
		RawCounterpartyToken: strings.TrimSpace(row[FieldRawCounterpartyToken]),
		PayerToken:           strings.TrimSpace(row[FieldPayerToken]),
		PartialRecord:        ParseBoolish(row[FieldPartialRecord]),
	}
}
