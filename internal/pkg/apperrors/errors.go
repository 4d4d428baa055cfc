package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrDecryption         ErrorType = "DECRYPTION_ERROR"
	ErrConnectionNotFound ErrorType = "CONNECTION_NOT_FOUND"
	ErrOrderNotFound      ErrorType = "ORDER_NOT_FOUND"
	ErrCredentialMissing  ErrorType = "CREDENTIAL_MISSING"
	ErrTokenExpired       ErrorType = "TOKEN_EXPIRED"
	ErrBrokerAPI          ErrorType = "BROKER_API_ERROR"
	ErrPersistence        ErrorType = "PERSISTENCE_ERROR"
	ErrUnsupportedBroker  ErrorType = "UNSUPPORTED_BROKER"
	ErrSchedulerStopped   ErrorType = "SCHEDULER_STOPPED"
	ErrInvalidRequest     ErrorType = "INVALID_REQUEST"
	ErrAuthFailed         ErrorType = "AUTH_FAILED"
	ErrReadOnly           ErrorType = "READ_ONLY"
	ErrInternal           ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewDecryption(cause error) *AppError {
	return New(ErrDecryption, "failed to decrypt stored credential", cause)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err carries the given ErrorType anywhere in its chain.
func Is(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest, ErrUnsupportedBroker, ErrCredentialMissing:
		return http.StatusBadRequest
	case ErrAuthFailed, ErrTokenExpired:
		return http.StatusUnauthorized
	case ErrConnectionNotFound, ErrOrderNotFound:
		return http.StatusNotFound
	case ErrReadOnly, ErrSchedulerStopped:
		return http.StatusConflict
	case ErrBrokerAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrUnsupportedBroker:
		return "Use one of the supported brokers: zerodha, angelone, upstox, alpaca."
	case ErrTokenExpired:
		return "Re-authenticate the connection to obtain a fresh access token."
	case ErrCredentialMissing:
		return "Provide the API key and secret required by this broker."
	case ErrSchedulerStopped:
		return "The polling scheduler is shut down; reset it before starting tasks."
	case ErrBrokerAPI:
		return "Check the broker status page and the connection diagnostics."
	default:
		return ""
	}
}

// --- Broker API error kinds ---

// BrokerErrorKind classifies upstream broker failures for retry policy.
type BrokerErrorKind string

const (
	BrokerAuthExpired BrokerErrorKind = "AUTH_EXPIRED"
	BrokerRateLimited BrokerErrorKind = "RATE_LIMITED"
	BrokerNotFound    BrokerErrorKind = "NOT_FOUND"
	BrokerUnknown     BrokerErrorKind = "UNKNOWN"
)

// BrokerAPIError is returned by adapters for any upstream failure.
// Kind drives the scheduler's retry policy: AuthExpired is never retried,
// RateLimited and Unknown get bounded backoff, NotFound surfaces immediately.
type BrokerAPIError struct {
	Broker  string
	Kind    BrokerErrorKind
	Op      string
	Message string
	Cause   error
}

func (e *BrokerAPIError) Error() string {
	return fmt.Sprintf("broker %s: %s failed (%s): %s", e.Broker, e.Op, e.Kind, e.Message)
}

func (e *BrokerAPIError) Unwrap() error {
	return e.Cause
}

func NewBrokerAPIError(broker, op string, kind BrokerErrorKind, msg string, cause error) *BrokerAPIError {
	return &BrokerAPIError{Broker: broker, Op: op, Kind: kind, Message: msg, Cause: cause}
}

// BrokerErrorFromStatus maps an HTTP status from a broker REST API to a kind.
func BrokerErrorFromStatus(status int) BrokerErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return BrokerAuthExpired
	case status == http.StatusTooManyRequests:
		return BrokerRateLimited
	case status == http.StatusNotFound:
		return BrokerNotFound
	default:
		return BrokerUnknown
	}
}

// BrokerKind extracts the kind from an error chain, defaulting to Unknown.
func BrokerKind(err error) BrokerErrorKind {
	var bErr *BrokerAPIError
	if errors.As(err, &bErr) {
		return bErr.Kind
	}
	return BrokerUnknown
}

// IsBrokerError reports whether err wraps a BrokerAPIError.
func IsBrokerError(err error) bool {
	var bErr *BrokerAPIError
	return errors.As(err, &bErr)
}
