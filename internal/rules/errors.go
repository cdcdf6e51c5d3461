// Package rules implements the automation rule model and engine:
// descriptors over device events and states, calendar and time-event
// scheduling, durable rule storage, and the evaluator that turns device
// activity into action dispatch.
package rules

// RuleError is the typed outcome of every rule operation. The constants
// are the wire enum names; clients branch on them, never on message text.
type RuleError string

// The rule error taxonomy.
const (
	RuleErrorNoError                    RuleError = "RuleErrorNoError"
	RuleErrorInvalidRuleId              RuleError = "RuleErrorInvalidRuleId"
	RuleErrorRuleNotFound               RuleError = "RuleErrorRuleNotFound"
	RuleErrorDeviceNotFound             RuleError = "RuleErrorDeviceNotFound"
	RuleErrorEventTypeNotFound          RuleError = "RuleErrorEventTypeNotFound"
	RuleErrorStateTypeNotFound          RuleError = "RuleErrorStateTypeNotFound"
	RuleErrorActionTypeNotFound         RuleError = "RuleErrorActionTypeNotFound"
	RuleErrorInvalidParameter           RuleError = "RuleErrorInvalidParameter"
	RuleErrorMissingParameter           RuleError = "RuleErrorMissingParameter"
	RuleErrorInvalidRuleFormat          RuleError = "RuleErrorInvalidRuleFormat"
	RuleErrorInvalidRuleActionParameter RuleError = "RuleErrorInvalidRuleActionParameter"
	RuleErrorInvalidStateEvaluatorValue RuleError = "RuleErrorInvalidStateEvaluatorValue"
	RuleErrorTypesNotMatching           RuleError = "RuleErrorTypesNotMatching"
	RuleErrorNotExecutable              RuleError = "RuleErrorNotExecutable"
	RuleErrorInvalidTimeDescriptor      RuleError = "RuleErrorInvalidTimeDescriptor"
	RuleErrorInvalidTimeEventItem       RuleError = "RuleErrorInvalidTimeEventItem"
	RuleErrorInvalidCalendarItem        RuleError = "RuleErrorInvalidCalendarItem"
	RuleErrorInvalidRepeatingOption     RuleError = "RuleErrorInvalidRepeatingOption"
	RuleErrorContainsEventBasedAction   RuleError = "RuleErrorContainsEventBasedAction"
	RuleErrorNoExitActions              RuleError = "RuleErrorNoExitActions"
	RuleErrorBackendError               RuleError = "RuleErrorBackendError"
)

// OK reports whether the operation succeeded.
func (e RuleError) OK() bool { return e == RuleErrorNoError || e == "" }

// Error implements the error interface so rule errors can be wrapped and
// logged like any other error.
func (e RuleError) Error() string { return string(e) }
