package veracode

import (
	"errors"
	"fmt"
)

// AuthError reports missing or unusable API credentials.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("veracode auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError reports a transport fault or a non-success HTTP status for one call.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("veracode api %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("veracode api %s: status %d", e.Endpoint, e.StatusCode)
	default:
		return fmt.Sprintf("veracode api %s: %v", e.Endpoint, e.Err)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// DataError reports malformed XML or an expected attribute that is missing.
type DataError struct {
	Element string
	Field   string
	Err     error
}

func (e *DataError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("veracode data: %s@%s: %v", e.Element, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("veracode data: element %q is missing attribute %q", e.Element, e.Field)
	case e.Element != "" && e.Err == nil:
		return fmt.Sprintf("veracode data: element %q not found", e.Element)
	case e.Element != "":
		return fmt.Sprintf("veracode data: %s: %v", e.Element, e.Err)
	default:
		return fmt.Sprintf("veracode data: %v", e.Err)
	}
}

func (e *DataError) Unwrap() error { return e.Err }

// StorageError reports a watermark persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("watermark %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// VeracodeError is the umbrella error returned across the extraction boundary.
// The typed cause stays reachable through errors.As.
type VeracodeError struct {
	Op  string
	Err error
}

func (e *VeracodeError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *VeracodeError) Unwrap() error { return e.Err }

// Wrap returns err wrapped in a VeracodeError unless it already is one.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *VeracodeError
	if errors.As(err, &ve) {
		return err
	}
	return &VeracodeError{Op: op, Err: err}
}

func missingAttr(element, field string) error {
	return &DataError{Element: element, Field: field}
}
