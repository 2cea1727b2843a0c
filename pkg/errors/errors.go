package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindDuplicate
	KindTenantResolution
	KindConnection
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindTenantResolution:
		return "tenant_resolution"
	case KindConnection:
		return "connection"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

func (k Kind) StatusCode() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	case KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed failure from the tenancy and findings layers.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	Err     error
}

var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrDuplicate        = &Error{Kind: KindDuplicate}
	ErrTenantResolution = &Error{Kind: KindTenantResolution}
	ErrConnection       = &Error{Kind: KindConnection}
	ErrStorage          = &Error{Kind: KindStorage}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any error of the same Kind, so errors.Is(err, ErrDuplicate) works
// for every duplicate regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPError converts e into an ectoerror HTTP error. Wrapped causes are not exposed.
func (e *Error) HTTPError() *httperror.HTTPError {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Kind.StatusCode())
	}
	httpErr := httperror.NewHTTPError(e.Kind.StatusCode(), msg)
	for key, value := range e.Meta {
		httpErr = httpErr.AddMetaValue(key, value)
	}
	return httpErr
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation reports rejected input. The rule failures are exposed as meta.errors.
func Validation(err error) *Error {
	e := &Error{Kind: KindValidation, Message: "invalid finding", Err: err}
	if err != nil {
		e.Meta = map[string]any{"errors": err.Error()}
	}
	return e
}

func Duplicate(externalID string) *Error {
	return &Error{
		Kind:    KindDuplicate,
		Message: fmt.Sprintf("Finding with the same externalId %q already exists", externalID),
		Meta:    map[string]any{"externalId": externalID},
	}
}

func Connection(target string, err error) *Error {
	return &Error{
		Kind:    KindConnection,
		Message: fmt.Sprintf("failed to connect to database target %q", target),
		Meta:    map[string]any{"target": target},
		Err:     err,
	}
}

func TenantResolution(tenantID, target string) *Error {
	return &Error{
		Kind:    KindTenantResolution,
		Message: fmt.Sprintf("tenant %q resolved to unknown database target %q", tenantID, target),
		Meta:    map[string]any{"tenantId": tenantID, "target": target},
	}
}

func Storage(err error, message string) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As is errors.As specialised to *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}
