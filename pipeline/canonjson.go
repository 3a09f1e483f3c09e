package pipeline

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical serialization for event-feed payloads. The content hash of a feed
// must be stable across implementations, so events are rendered as JSON
// objects with sorted keys, RFC 3339 timestamps, and decimal-normalized
// amounts, then concatenated in document order inside a JSON array.

// canonicalizeValue normalizes the values that have more than one surface
// form. Unparseable values are hashed as received: a bad row still contributes
// its raw bytes to batch identity even though validation will reject it.
func canonicalizeValue(field, val string) string {
	switch field {
	case FieldTS:
		if ts, err := parseEventTS(val); err == nil {
			return ts.Format(timeLayoutRFC3339)
		}
	case FieldAmount:
		if d, err := decimal.NewFromString(strings.TrimSpace(val)); err == nil {
			return d.String()
		}
	case FieldDirection:
		return strings.ToLower(strings.TrimSpace(val))
	case FieldChannel:
		return strings.ToUpper(strings.TrimSpace(val))
	}
	return val
}

// canonicalEventJSON renders one row as a canonical JSON object: present
// fields only, keys sorted, values normalized.
func canonicalEventJSON(row Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(canonicalizeValue(k, row[k])))
	}
	b.WriteByte('}')
	return b.String()
}

// CanonicalPayload renders the full event list for hashing.
func CanonicalPayload(rows []Row) []byte {
	var b strings.Builder
	b.WriteByte('[')
	for i, row := range rows {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(canonicalEventJSON(row))
	}
	b.WriteByte(']')
	return []byte(b.String())
}
