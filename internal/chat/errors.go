package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a signed-in user.
	ErrNotAuthenticated = errors.New("chat: not authenticated")
	// ErrUnknownPage is returned for a page ID that was not configured.
	ErrUnknownPage = errors.New("chat: unknown page")
	// ErrEmptyPrompt is returned when the prompt is blank.
	ErrEmptyPrompt = errors.New("chat: prompt is empty")
	// ErrRequestInFlight is returned when the page is already waiting on a reply.
	ErrRequestInFlight = errors.New("chat: a request is already in flight for this page")
)

// AuthFailureKind distinguishes why a login was rejected.
type AuthFailureKind int

const (
	UserNotFound AuthFailureKind = iota + 1
	CredentialFieldMissing
	CredentialMismatch
)

func (k AuthFailureKind) String() string {
	switch k {
	case UserNotFound:
		return "USER_NOT_FOUND"
	case CredentialFieldMissing:
		return "CREDENTIAL_FIELD_MISSING"
	case CredentialMismatch:
		return "CREDENTIAL_MISMATCH"
	default:
		return fmt.Sprintf("AuthFailureKind(%d)", int(k))
	}
}

// Message returns the text shown to the user.
func (k AuthFailureKind) Message() string {
	switch k {
	case UserNotFound:
		return "User not found"
	case CredentialFieldMissing:
		return "User record does not contain a password field"
	case CredentialMismatch:
		return "Invalid password"
	default:
		return "Login failed"
	}
}

// AuthError is returned by Authenticate when the credentials are rejected.
type AuthError struct {
	Kind     AuthFailureKind
	Username string
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("chat: authentication failed for %q: %s", e.Username, e.Kind)
}

// BackendUnavailableError is returned by Submit when the backend call fails.
// Status and Body are set when the backend answered with a non-2xx status.
type BackendUnavailableError struct {
	Status int
	Body   string
	Err    error
}

func (e *BackendUnavailableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("chat: backend unavailable (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("chat: backend unavailable: %v", e.Err)
}

func (e *BackendUnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message returns the text shown to the user.
func (e *BackendUnavailableError) Message() string {
	if e.Status != 0 {
		return fmt.Sprintf("Error %d: %s", e.Status, e.Body)
	}
	if e.Err != nil {
		return "Error: " + e.Err.Error()
	}
	return "Error: backend unavailable"
}

// PersistenceError reports that a completed turn could not be saved. It is
// only ever returned inside SubmitResult, never as Submit's error.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("chat: saving chat history failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UserMessage returns the human-readable text for an error returned by the
// Manager.
func UserMessage(err error) string {
	var authErr *AuthError
	var backendErr *BackendUnavailableError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr):
		return authErr.Kind.Message()
	case errors.As(err, &backendErr):
		return backendErr.Message()
	case errors.Is(err, ErrNotAuthenticated):
		return "Please log in first"
	case errors.Is(err, ErrUnknownPage):
		return "Unknown page"
	case errors.Is(err, ErrEmptyPrompt):
		return "Message is empty"
	case errors.Is(err, ErrRequestInFlight):
		return "Please wait for the current reply"
	default:
		return "Something went wrong"
	}
}
