package errors

import stderrors "errors"

// Re-exports so callers importing this package as "errors" keep the stdlib helpers.

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
