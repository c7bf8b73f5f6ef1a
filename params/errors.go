package params

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/dshills/tabflow/result"
	"github.com/dshills/tabflow/table"
)

// TabCycleError is returned when a parameter references a tab that has not
// rendered yet in this pass: itself, or a tab declared after it.
type TabCycleError struct {
	Slug string
}

func (e *TabCycleError) Error() string {
	return fmt.Sprintf("tab %q is not rendered yet: tabs may only reference tabs declared before them", e.Slug)
}

// RenderError converts the error to its user-facing form.
func (e *TabCycleError) RenderError() result.RenderError {
	return result.Errorf(result.MsgTabCycle)
}

// TabUnreachableError is returned when a referenced tab rendered no table.
type TabUnreachableError struct {
	Slug string
}

func (e *TabUnreachableError) Error() string {
	return fmt.Sprintf("tab %q has no output", e.Slug)
}

// RenderError converts the error to its user-facing form.
func (e *TabUnreachableError) RenderError() result.RenderError {
	return result.Errorf(result.MsgTabUnreachable)
}

// ValueError reports a raw value whose shape does not match its schema.
type ValueError struct {
	Path     string
	Expected string
	Actual   any
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("param %s: expected %s, got %T", e.Path, e.Expected, e.Actual)
}

// WrongColumnType is one group of selected columns whose type the module
// does not accept. FoundType is empty when WantedTypes includes text, since
// any column can become text.
type WrongColumnType struct {
	ColumnNames []string
	FoundType   table.TypeName
	WantedTypes []table.TypeName
}

func (w WrongColumnType) wantsText() bool {
	return slices.Contains(w.WantedTypes, table.TypeText)
}

// PromptingError collects wrong-column-type problems so the user can be
// offered a conversion step instead of a render.
type PromptingError struct {
	Errors []WrongColumnType
}

func (e *PromptingError) Error() string {
	return fmt.Sprintf("%d column selections have the wrong type", len(e.Errors))
}

// RenderErrors converts the problems to user-facing errors, each with a
// quick fix that prepends a conversion step.
func (e *PromptingError) RenderErrors() []result.RenderError {
	out := make([]result.RenderError, 0, len(e.Errors))
	for _, w := range e.Errors {
		args := map[string]any{"columns": len(w.ColumnNames)}
		for i, name := range w.ColumnNames {
			args[strconv.Itoa(i)] = name
		}
		colnames := make([]any, len(w.ColumnNames))
		for i, name := range w.ColumnNames {
			colnames[i] = name
		}

		if w.wantsText() {
			out = append(out, result.RenderError{
				Message: result.I18nMessage{ID: result.MsgShouldBeText, Arguments: args},
				QuickFixes: []result.QuickFix{{
					ButtonText: result.Message(result.MsgConvertToTextFix),
					Action:     result.PrependStep{ModuleSlug: "converttotext", PartialParams: map[string]any{"colnames": colnames}},
				}},
			})
			continue
		}

		args["found_type"] = string(w.FoundType)
		wanted := w.WantedTypes[0]
		module := "converttexttonumber"
		switch {
		case slices.Contains(w.WantedTypes, table.TypeNumber):
			wanted = table.TypeNumber
		case slices.Contains(w.WantedTypes, table.TypeTimestamp):
			wanted, module = table.TypeTimestamp, "convert-date"
		case slices.Contains(w.WantedTypes, table.TypeDate):
			wanted, module = table.TypeDate, "convert-date"
		}
		out = append(out, result.RenderError{
			Message: result.I18nMessage{ID: result.MsgWrongColumnType, Arguments: args},
			QuickFixes: []result.QuickFix{{
				ButtonText: result.Message(result.MsgConvertQuickFix, "wanted_type", string(wanted)),
				Action:     result.PrependStep{ModuleSlug: module, PartialParams: map[string]any{"colnames": colnames}},
			}},
		})
	}
	return out
}

// promptAggregator groups wrong-type columns by (found type, wanted types),
// first come first reported.
type promptAggregator struct {
	groups []WrongColumnType
}

func (a *promptAggregator) add(w WrongColumnType) {
	found := w.FoundType
	if w.wantsText() {
		found = ""
	}
	for i := range a.groups {
		g := &a.groups[i]
		if g.FoundType == found && slices.Equal(g.WantedTypes, w.WantedTypes) {
			for _, name := range w.ColumnNames {
				if !slices.Contains(g.ColumnNames, name) {
					g.ColumnNames = append(g.ColumnNames, name)
				}
			}
			return
		}
	}
	a.groups = append(a.groups, WrongColumnType{
		ColumnNames: slices.Clone(w.ColumnNames),
		FoundType:   found,
		WantedTypes: w.WantedTypes,
	})
}

// absorb adds err's problems if it is a *PromptingError and reports whether it was.
func (a *promptAggregator) absorb(err error) bool {
	var pe *PromptingError
	if !errors.As(err, &pe) {
		return false
	}
	for _, w := range pe.Errors {
		a.add(w)
	}
	return true
}

func (a *promptAggregator) err() error {
	if len(a.groups) == 0 {
		return nil
	}
	return &PromptingError{Errors: a.groups}
}
