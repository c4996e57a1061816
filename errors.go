package trigger

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeActionExists              = "TRIGGER_ACTION_EXISTS"
	ErrCodeActionNotFound            = "TRIGGER_ACTION_NOT_FOUND"
	ErrCodeInvalidAction             = "TRIGGER_INVALID_ACTION"
	ErrCodeLocatorMissing            = "TRIGGER_LOCATOR_MISSING"
	ErrCodeUnsupportedEvent          = "TRIGGER_UNSUPPORTED_EVENT"
	ErrCodeUnsupportedGuardEvent     = "TRIGGER_UNSUPPORTED_GUARD_EVENT"
	ErrCodeDuplicateTrigger          = "TRIGGER_DUPLICATE_TRIGGER"
	ErrCodeTransitionNotAllowed      = "TRIGGER_TRANSITION_NOT_ALLOWED"
	ErrCodeTransitionFault           = "TRIGGER_TRANSITION_FAULT"
	ErrCodeMalformedArgument         = "TRIGGER_MALFORMED_ARGUMENT"
	ErrCodeNonUniqueReschedulableJob = "TRIGGER_NON_UNIQUE_RESCHEDULABLE_JOB"
	ErrCodeSubjectNotSupported       = "TRIGGER_SUBJECT_NOT_SUPPORTED"
	ErrCodeSubjectNotObject          = "TRIGGER_SUBJECT_NOT_OBJECT"
	ErrCodeJobNotFound               = "TRIGGER_JOB_NOT_FOUND"
	ErrCodeInvalidOffset             = "TRIGGER_INVALID_OFFSET"
	ErrCodeInvalidJob                = "TRIGGER_INVALID_JOB"
)

var (
	ErrActionExists = errors.New("action already registered", errors.CategoryConflict).
			WithTextCode(ErrCodeActionExists)
	ErrActionNotFound = errors.New("action not found", errors.CategoryBadInput).
				WithTextCode(ErrCodeActionNotFound)
	ErrInvalidAction = errors.New("invalid action", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidAction)
	ErrLocatorMissing = errors.New("service locator is not set", errors.CategoryExternal).
				WithTextCode(ErrCodeLocatorMissing)
	ErrUnsupportedTriggerEvent = errors.New("unsupported trigger event", errors.CategoryBadInput).
					WithTextCode(ErrCodeUnsupportedEvent)
	ErrUnsupportedGuardEvent = errors.New("unsupported guard event", errors.CategoryBadInput).
					WithTextCode(ErrCodeUnsupportedGuardEvent)
	ErrDuplicateTrigger = errors.New("trigger already registered", errors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateTrigger)
	ErrTransitionNotAllowed = errors.New("transition not allowed", errors.CategoryBadInput).
				WithTextCode(ErrCodeTransitionNotAllowed)
	ErrTransitionFault = errors.New("transition fault", errors.CategoryHandler).
				WithTextCode(ErrCodeTransitionFault)
	ErrMalformedArgument = errors.New("malformed action argument", errors.CategoryValidation).
				WithTextCode(ErrCodeMalformedArgument)
	ErrNonUniqueReschedulableJob = errors.New("several reschedulable jobs found", errors.CategoryConflict).
					WithTextCode(ErrCodeNonUniqueReschedulableJob)
	ErrSubjectNotSupported = errors.New("subject class not supported", errors.CategoryBadInput).
				WithTextCode(ErrCodeSubjectNotSupported)
	ErrSubjectNotObject = errors.New("subject is not an object", errors.CategoryBadInput).
				WithTextCode(ErrCodeSubjectNotObject)
	ErrJobNotFound = errors.New("scheduled job not found", errors.CategoryBadInput).
			WithTextCode(ErrCodeJobNotFound)
	ErrInvalidOffset = errors.New("invalid schedule offset", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidOffset)
	ErrInvalidJob = errors.New("invalid scheduled job", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidJob)
)

// NewError clones one of the package sentinels with a specific message,
// cause and metadata.
func NewError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	if base == nil {
		base = ErrInvalidAction
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors value in the chain.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether any go-errors value in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var ge *errors.Error
		if !stderrors.As(err, &ge) {
			return false
		}
		if ge.TextCode == code {
			return true
		}
		err = ge.Source
	}
	return false
}

// IsNotAllowed reports whether a workflow engine rejected a transition
// because the current marking or a guard does not allow it.
func IsNotAllowed(err error) bool {
	return HasCode(err, ErrCodeTransitionNotAllowed)
}
