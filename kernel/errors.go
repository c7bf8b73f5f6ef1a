package kernel

import (
	"errors"
	"fmt"

	"github.com/dshills/tabflow/result"
)

var (
	// ErrModuleTimeout means a call ran past its wall-clock limit and was killed.
	ErrModuleTimeout = errors.New("module call timed out")

	// ErrSandboxCrashed means a module process exited without a reply.
	ErrSandboxCrashed = errors.New("module sandbox crashed")

	// ErrProtocol means a module process replied with bytes that are not a
	// valid reply frame.
	ErrProtocol = errors.New("module protocol violation")

	// ErrPoolUnavailable means the worker pool refused the call.
	ErrPoolUnavailable = errors.New("module pool unavailable")

	// ErrModuleNotFound is returned by Registry.Load for unknown module slugs.
	ErrModuleNotFound = errors.New("module not found")
)

// InfrastructureError is a failure on the caller's side of the boundary.
// The scheduler never turns it into a result: the worker exits so a
// supervisor restarts it.
type InfrastructureError struct {
	Op     string
	Module string
	Cause  error
	Detail string
}

func (e *InfrastructureError) Error() string {
	msg := fmt.Sprintf("kernel %s %s: %v", e.Op, e.Module, e.Cause)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InfrastructureError) Unwrap() error { return e.Cause }

// IsInfrastructure reports whether err is or wraps an *InfrastructureError.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}

// StructuralError is returned by Validate for a module whose code does not
// provide the functions its spec declares.
type StructuralError struct {
	Module string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("module %s: %s", e.Module, e.Reason)
}

// MigrateError is returned by MigrateParams when module code fails or
// produces params that do not match the module's schema.
type MigrateError struct {
	Module string
	Cause  error
}

func (e *MigrateError) Error() string {
	return fmt.Sprintf("module %s: migrate params: %v", e.Module, e.Cause)
}

func (e *MigrateError) Unwrap() error { return e.Cause }

// moduleBug is the result error for module code that panicked.
func moduleBug(module, message, location string) result.RenderError {
	kv := []any{"module", module, "message", message}
	if location != "" {
		kv = append(kv, "line", location)
	}
	return result.Errorf(result.MsgModuleBug, kv...)
}

// moduleError is the result error for module code that returned an error.
func moduleError(module, message string) result.RenderError {
	return result.Errorf(result.MsgModuleError, "module", module, "message", message)
}

// invalidOutput is the result error for a module whose output table failed
// validation.
func invalidOutput(module string, err error) result.RenderError {
	return result.Errorf(result.MsgModuleInvalidOutput, "module", module, "message", err.Error())
}
