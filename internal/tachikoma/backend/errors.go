package backend

import (
	"errors"
	"fmt"
)

// UnknownBackendError reports a registry lookup for a backend name nothing
// registered under.
type UnknownBackendError struct {
	Name       string
	Registered []string
}

func (e *UnknownBackendError) Error() string {
	if len(e.Registered) == 0 {
		return fmt.Sprintf("unknown backend %q (no backends registered)", e.Name)
	}
	return fmt.Sprintf("unknown backend %q (registered: %v)", e.Name, e.Registered)
}

// IsUnknownBackend reports whether err is an UnknownBackendError.
func IsUnknownBackend(err error) bool {
	var ube *UnknownBackendError
	return errors.As(err, &ube)
}
