package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRecipient   = errors.New("unknown recipient")
	ErrAmbiguousRecipient = errors.New("recipient address matches more than one account")
)

// Error codes recorded on failed delivery log entries and returned to the
// relay on 500 responses.
const (
	CodeUserNotFound       = "USER_NOT_FOUND"
	CodeRecipientAmbiguous = "RECIPIENT_AMBIGUOUS"
	CodeRecipientLookup    = "RECIPIENT_LOOKUP_FAILED"
	CodeSenderResolve      = "SENDER_RESOLVE_FAILED"
	CodeFolderResolve      = "FOLDER_RESOLVE_FAILED"
	CodePlanLookup         = "PLAN_LOOKUP_FAILED"
	CodePlanLimitReached   = "PLAN_LIMIT_REACHED"
	CodeBlobWrite          = "BLOB_WRITE_FAILED"
	CodeStore              = "STORE_FAILED"
	CodeUnknown            = "UNKNOWN"
)

// StageError is an infrastructure failure tagged with the pipeline stage it
// happened in.
type StageError struct {
	Code  string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(code, stage string, err error) error {
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Code: code, Stage: stage, Err: err}
}

// ErrorCode maps an ingest error to its stable code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnknownRecipient) {
		return CodeUserNotFound
	}
	if errors.Is(err, ErrAmbiguousRecipient) {
		return CodeRecipientAmbiguous
	}
	var se *StageError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return CodeUnknown
}
