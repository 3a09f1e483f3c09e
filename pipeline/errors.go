package pipeline

import "fmt"

type ErrorCode string

const (
	BATCH_ERR_EMPTY            ErrorCode = "EMPTY_BATCH"
	BATCH_ERR_NO_VALID_ROWS    ErrorCode = "NO_VALID_ROWS"
	BATCH_ERR_LOW_ACCEPT_RATIO ErrorCode = "LOW_ACCEPT_RATIO"
	BATCH_ERR_DECLARED_RANGE   ErrorCode = "DECLARED_RANGE_VIOLATION"
	BATCH_ERR_MISSING_COLUMN   ErrorCode = "MISSING_REQUIRED_COLUMN"
	BATCH_ERR_BAD_REQUEST      ErrorCode = "BAD_REQUEST"
	BATCH_ERR_ALREADY_INGESTED ErrorCode = "ALREADY_INGESTED"
)

// BatchError is a caller-visible batch rejection. Msg never contains row
// content, identifiers, or filenames.
type BatchError struct {
	Code ErrorCode
	Msg  string

	// Counts known at rejection time, surfaced to the caller.
	RowsAccepted       int
	RowsRejected       int
	RejectionBreakdown map[RejectionReason]int
}

func (e *BatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func batcherr(code ErrorCode, msg string) *BatchError {
	return &BatchError{Code: code, Msg: msg}
}

// AsBatchError unwraps err into a *BatchError when it is one.
func AsBatchError(err error) (*BatchError, bool) {
	be, ok := err.(*BatchError)
	return be, ok
}
