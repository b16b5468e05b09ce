package config

import (
	"errors"
	"fmt"
)

// ErrNoURLs means the configuration lists no pages to measure.
var ErrNoURLs = errors.New("no URLs supplied to process")

// ConfigError is a fatal startup problem with the configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
