package session

import (
	"errors"
	"fmt"
)

var (
	ErrBrowserUnavailable = errors.New("browser unavailable")
	ErrPageClosed         = errors.New("page closed")
)

// NavigationErrorKind classifies why a navigation did not settle.
type NavigationErrorKind string

const (
	NavTimeout NavigationErrorKind = "timeout"
	NavNetwork NavigationErrorKind = "network"
	NavCrashed NavigationErrorKind = "crashed"
)

// NavigationError reports a failed page load. Statistics collected up to the
// failure are still valid.
type NavigationError struct {
	Kind NavigationErrorKind
	URL  string
	Err  error
}

func (e *NavigationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("navigate %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("navigate %s: %s", e.URL, e.Kind)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// NewNavigationError creates a NavigationError.
func NewNavigationError(kind NavigationErrorKind, url string, err error) *NavigationError {
	return &NavigationError{Kind: kind, URL: url, Err: err}
}

// IsNavigationError reports whether err is (or wraps) a NavigationError.
func IsNavigationError(err error) bool {
	var navErr *NavigationError
	return errors.As(err, &navErr)
}
