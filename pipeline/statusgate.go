package pipeline

import "strings"

// The status/quality gate runs only on rows that already passed validation.
// record_status semantics apply only when the batch schema declares the
// column; partial_record never rejects.

var knownFailureStatuses = map[string]RejectionReason{
	"FAILED_INSUFFICIENT_FUNDS": RejectFailedInsufficientFunds,
	"FAILED_TIMEOUT":            RejectFailedTimeout,
	"FAILED_NETWORK":            RejectFailedNetwork,
	"INVALID_TOKEN":             RejectInvalidToken,
}

// NormalizeStatus folds the surface forms upstreams emit into the canonical
// token: trimmed, uppercased, separators collapsed to underscores.
func NormalizeStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// GateStatus decides whether a validated row proceeds. statusPresent reflects
// the batch schema, not the individual row: when the column exists, a blank
// value is still a non-SUCCESS status.
func GateStatus(row Row, statusPresent bool) (RejectionReason, bool) {
	if !statusPresent {
		return "", true
	}
	status := NormalizeStatus(row[FieldRecordStatus])
	if status == "SUCCESS" {
		return "", true
	}
	if reason, ok := knownFailureStatuses[status]; ok {
		return reason, false
	}
	return RejectUnknownStatus, false
}

// ParseBoolish reads the partial_record flag. Anything outside the accepted
// true forms is false.
func ParseBoolish(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes", "y":
		return true
	}
	return false
}
