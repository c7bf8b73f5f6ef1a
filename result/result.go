// Package result holds the values a module call produces: render results,
// fetch results and the user-facing errors attached to them.
package result

import (
	"encoding/json"

	"github.com/dshills/tabflow/table"
)

// Status is the derived state of a RenderResult.
type Status string

// Render statuses.
const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusUnreachable Status = "unreachable"
)

// I18nMessage is a translatable message id plus the arguments it interpolates.
type I18nMessage struct {
	ID        string         `json:"id"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message builds an I18nMessage from alternating key/value arguments.
func Message(id string, kv ...any) I18nMessage {
	m := I18nMessage{ID: id}
	if len(kv) > 0 {
		m.Arguments = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				m.Arguments[k] = kv[i+1]
			}
		}
	}
	return m
}

// PrependStep asks the client to insert a step before the erroring one.
type PrependStep struct {
	ModuleSlug    string         `json:"moduleSlug"`
	PartialParams map[string]any `json:"partialParams"`
}

// QuickFix is a one-click suggestion shown with a RenderError.
type QuickFix struct {
	ButtonText I18nMessage `json:"buttonText"`
	Action     PrependStep `json:"action"`
}

// RenderError is a user-facing error with optional quick fixes.
type RenderError struct {
	Message    I18nMessage `json:"message"`
	QuickFixes []QuickFix  `json:"quickFixes,omitempty"`
}

// Errorf builds a RenderError with no quick fixes.
func Errorf(id string, kv ...any) RenderError {
	return RenderError{Message: Message(id, kv...)}
}

// RenderResult is what rendering a step produces.
type RenderResult struct {
	Table  *table.Table
	Errors []RenderError
	JSON   json.RawMessage

	// Columns are the table's declared column types. Nil means they are
	// inferred from Table.
	Columns []table.Column
}

// Status derives ok/error/unreachable from the table and errors.
func (r RenderResult) Status() Status {
	switch {
	case r.Table.NumColumns() > 0:
		return StatusOK
	case len(r.Errors) > 0:
		return StatusError
	default:
		return StatusUnreachable
	}
}

// Metadata describes the result's table.
func (r RenderResult) Metadata() table.TableMetadata {
	if r.Table != nil && r.Columns != nil && len(r.Columns) == len(r.Table.Arrays) {
		return table.TableMetadata{NRows: r.Table.NRows, Columns: r.Columns}
	}
	return table.InferMetadata(r.Table)
}

// WithErrors returns a zero-column result carrying errs.
func WithErrors(errs ...RenderError) RenderResult {
	return RenderResult{Table: table.Empty(), Errors: errs}
}

// Unreachable returns the empty result a step renders when its input is not ok.
func Unreachable() RenderResult {
	return RenderResult{Table: table.Empty()}
}

// FetchResult is the output of a fetch: a file holding the fetched table, and
// errors to show the user. Path is empty when nothing was fetched.
type FetchResult struct {
	Path   string
	Errors []RenderError
}
