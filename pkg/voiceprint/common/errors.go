package common

import "errors"

func (e *VoiceprintError) Error() string {
	msg := e.Message
	if e.UserID != "" {
		msg = msg + " (user " + e.UserID + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// VoiceprintError represents enrollment, storage and matching errors
type VoiceprintError struct {
	Code    string `json:"code"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *VoiceprintError) Unwrap() error {
	return e.Cause
}

// Is matches any VoiceprintError carrying the same code, so the sentinel
// values below can be used with errors.Is
func (e *VoiceprintError) Is(target error) bool {
	t, ok := target.(*VoiceprintError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	ErrCodeExtractionUnavailable = "EXTRACTION_UNAVAILABLE"
	ErrCodeInsufficientSamples   = "INSUFFICIENT_SAMPLES"
	ErrCodeStorageFault          = "STORAGE_FAULT"
	ErrCodeNoVoiceprint          = "NO_VOICEPRINT"
	ErrCodeShapeMismatch         = "SHAPE_MISMATCH"
	ErrCodeInvalidInput          = "INVALID_INPUT"
)

// Sentinels for errors.Is checks
var (
	ErrExtractionUnavailable = &VoiceprintError{Code: ErrCodeExtractionUnavailable, Message: "feature data unavailable or malformed"}
	ErrInsufficientSamples   = &VoiceprintError{Code: ErrCodeInsufficientSamples, Message: "not enough staged samples"}
	ErrStorageFault          = &VoiceprintError{Code: ErrCodeStorageFault, Message: "storage fault"}
	ErrNoVoiceprint          = &VoiceprintError{Code: ErrCodeNoVoiceprint, Message: "no voiceprint enrolled"}
	ErrShapeMismatch         = &VoiceprintError{Code: ErrCodeShapeMismatch, Message: "feature shape mismatch"}
	ErrInvalidInput          = &VoiceprintError{Code: ErrCodeInvalidInput, Message: "invalid input"}
)

// NewVoiceprintError creates a new voiceprint error
func NewVoiceprintError(code, userID, message string, cause error) *VoiceprintError {
	return &VoiceprintError{
		Code:    code,
		UserID:  userID,
		Message: message,
		Cause:   cause,
	}
}

// NewStorageFault wraps a backend error as a StorageFault for the given user
func NewStorageFault(userID, message string, cause error) *VoiceprintError {
	return NewVoiceprintError(ErrCodeStorageFault, userID, message, cause)
}

// CodeOf returns the code of the first VoiceprintError in err's chain,
// or an empty string if there is none
func CodeOf(err error) string {
	var vpErr *VoiceprintError
	if errors.As(err, &vpErr) {
		return vpErr.Code
	}
	return ""
}
