package result

// Message ids produced outside module code.
const (
	MsgModuleBug           = "kernel.errors.ModuleBug"
	MsgModuleError         = "kernel.errors.ModuleError"
	MsgModuleInvalidOutput = "kernel.errors.InvalidOutput"
	MsgNoModule            = "renderer.execute.step.noModule"
	MsgNoLoadedData        = "renderer.execute.step.NoLoadedDataError"
	MsgTabCycle            = "renderer.execute.step.TabCycleError"
	MsgTabUnreachable      = "renderer.execute.step.TabOutputUnreachableError"
	MsgWrongColumnType     = "renderer.execute.types.PromptingError.WrongColumnType.general.message"
	MsgShouldBeText        = "renderer.execute.types.PromptingError.WrongColumnType.as_error_message.shouldBeText"
	MsgConvertQuickFix     = "renderer.execute.types.PromptingError.WrongColumnType.general.quick_fix"
	MsgConvertToTextFix    = "renderer.execute.types.PromptingError.WrongColumnType.as_quick_fixes.shouldBeText"
	MsgFetchFailed         = "renderer.execute.step.fetchResultUnreadable"
	MsgInvalidParams       = "renderer.execute.step.invalidParams"
)

// Default English texts, used when a client has no catalog entry.
var defaultTexts = map[string]string{
	MsgModuleBug:           "Something unexpected happened. We have been notified and are working to fix it. If this persists, contact us. Error code: {message}",
	MsgModuleError:         "{message}",
	MsgModuleInvalidOutput: "The step produced invalid data: {message}",
	MsgNoModule:            "Please delete this step: an administrator uninstalled its code.",
	MsgNoLoadedData:        "Please Add Data before this step.",
	MsgTabCycle:            "The chosen tab depends on this one. Please choose another tab.",
	MsgTabUnreachable:      "The chosen tab has no output. Please select another one.",
	MsgWrongColumnType:     "The chosen columns are the wrong type.",
	MsgShouldBeText:        "The chosen columns must be converted to text.",
	MsgConvertQuickFix:     "Convert to {wanted_type}",
	MsgConvertToTextFix:    "Convert to text",
	MsgFetchFailed:         "The fetched data could not be read. Please fetch again.",
	MsgInvalidParams:       "This step's settings are invalid: {message}",
}

// DefaultText returns the English text for a message id produced by the
// scheduler, or "" for ids it does not know.
func DefaultText(id string) string {
	return defaultTexts[id]
}
