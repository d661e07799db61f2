package chat

import (
	"errors"
	"fmt"

	"marketplace-chat/internal/models"
)

// Wire error codes.
const (
	CodeAuth              = "auth_error"
	CodeAccessDenied      = "access_denied"
	CodeValidation        = "validation_error"
	CodeInvalidTransition = "invalid_transition"
	CodeStoreUnavailable  = "store_unavailable"
	CodeInternal          = "internal_error"
)

// ErrAccessDenied is returned for non-participants and unknown conversations
// alike, so callers cannot probe which conversations exist.
var ErrAccessDenied = errors.New("access denied")

type AuthReason string

const (
	AuthInvalidToken    AuthReason = "invalid_token"
	AuthExpired         AuthReason = "expired"
	AuthNoPrincipal     AuthReason = "no_principal"
	AuthUnauthenticated AuthReason = "unauthenticated"
)

// AuthError reports a failed or missing authentication.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case AuthExpired:
		return "token expired"
	case AuthNoPrincipal:
		return "token has no user"
	case AuthUnauthenticated:
		return "not authenticated"
	default:
		return "invalid token"
	}
}

type ValidationReason string

const (
	ValidationEmptyContent        ValidationReason = "empty_content"
	ValidationTooLong             ValidationReason = "too_long"
	ValidationInvalidConversation ValidationReason = "invalid_conversation"
	ValidationUnknownEvent        ValidationReason = "unknown_event"
	ValidationMalformedPayload    ValidationReason = "malformed_payload"
)

// ValidationError is a client mistake. Its message is safe to show verbatim.
type ValidationError struct {
	Reason ValidationReason
	Limit  int
}

func (e *ValidationError) Error() string {
	switch e.Reason {
	case ValidationEmptyContent:
		return "message content is empty"
	case ValidationTooLong:
		return fmt.Sprintf("message exceeds %d characters", e.Limit)
	case ValidationInvalidConversation:
		return "invalid conversation id"
	case ValidationUnknownEvent:
		return "unknown event"
	default:
		return "malformed payload"
	}
}

// InvalidTransitionError rejects a quote state change outside the lifecycle.
type InvalidTransitionError struct {
	QuoteID string
	From    models.QuoteState
	To      models.QuoteState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("quote %s cannot move from %s to %s", e.QuoteID, e.From, e.To)
}

// TransientStoreError wraps a store failure that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var storeErr *TransientStoreError
	return errors.As(err, &storeErr)
}

// WireError maps an error to the code and message sent to the client. Unknown
// errors never leak their text.
func WireError(err error) (string, string) {
	var (
		authErr       *AuthError
		validationErr *ValidationError
		transitionErr *InvalidTransitionError
		storeErr      *TransientStoreError
	)
	switch {
	case errors.As(err, &authErr):
		return CodeAuth, authErr.Error()
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied, ErrAccessDenied.Error()
	case errors.As(err, &validationErr):
		return CodeValidation, validationErr.Error()
	case errors.As(err, &transitionErr):
		return CodeInvalidTransition, transitionErr.Error()
	case errors.As(err, &storeErr):
		return CodeStoreUnavailable, "temporarily unavailable, try again"
	default:
		return CodeInternal, "internal error"
	}
}

// ErrorEvent builds the wire error event for err.
func ErrorEvent(err error) models.OutboundEvent {
	code, msg := WireError(err)
	return models.ErrorEvent(code, msg)
}

// DecodeError maps a models.DecodeInbound failure to a ValidationError.
func DecodeError(err error) error {
	if errors.Is(err, models.ErrUnknownEvent) {
		return &ValidationError{Reason: ValidationUnknownEvent}
	}
	return &ValidationError{Reason: ValidationMalformedPayload}
}
