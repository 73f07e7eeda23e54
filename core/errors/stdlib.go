package errors

import "errors"

// Re-exports so callers importing this package do not also need the
// standard library errors package.

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Join(errs ...error) error { return errors.Join(errs...) }
