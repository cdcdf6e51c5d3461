package rules

import (
	"github.com/hearthd/hearthd/internal/types"
)

// validateRule checks a rule against the structural invariants and the
// device registry. Validation never mutates engine state; a rule passing
// here can be persisted and inserted without further checks.
func (e *Engine) validateRule(r Rule) RuleError {
	if len(r.Actions) == 0 {
		return RuleErrorMissingParameter
	}
	if len(r.ExitActions) > 0 {
		// Exit actions run on deactivation, which only exists for rules
		// tracked in the active set. One-shot triggers make them
		// unreachable.
		if len(r.EventDescriptors) > 0 || len(r.TimeDescriptor.TimeEventItems) > 0 {
			return RuleErrorInvalidRuleFormat
		}
	}
	if ruleErr := r.TimeDescriptor.Validate(); !ruleErr.OK() {
		return ruleErr
	}
	for _, ed := range r.EventDescriptors {
		if ruleErr := e.validateEventDescriptor(ed); !ruleErr.OK() {
			return ruleErr
		}
	}
	if r.StateEvaluator != nil {
		if ruleErr := r.StateEvaluator.Validate(); !ruleErr.OK() {
			return ruleErr
		}
		if ruleErr := e.validateEvaluatorTargets(*r.StateEvaluator); !ruleErr.OK() {
			return ruleErr
		}
	}
	for _, a := range r.Actions {
		if ruleErr := e.validateAction(a, r.EventDescriptors); !ruleErr.OK() {
			return ruleErr
		}
	}
	for _, a := range r.ExitActions {
		if a.IsEventBased() {
			return RuleErrorInvalidRuleActionParameter
		}
		if ruleErr := e.validateAction(a, nil); !ruleErr.OK() {
			return ruleErr
		}
	}
	return RuleErrorNoError
}

func (e *Engine) validateEventDescriptor(ed EventDescriptor) RuleError {
	if ruleErr := ed.Validate(); !ruleErr.OK() {
		return ruleErr
	}
	if ed.IsInterfaceBound() {
		// Interface descriptors match devices that may not exist yet;
		// nothing to resolve against the registry.
		return RuleErrorNoError
	}
	dev, ok := e.registry.Device(ed.DeviceID)
	if !ok {
		return RuleErrorDeviceNotFound
	}
	if _, ok := dev.EventType(ed.EventTypeID); !ok {
		return RuleErrorEventTypeNotFound
	}
	return RuleErrorNoError
}

func (e *Engine) validateEvaluatorTargets(se StateEvaluator) RuleError {
	if se.StateDescriptor != nil {
		sd := se.StateDescriptor
		dev, ok := e.registry.Device(sd.DeviceID)
		if !ok {
			return RuleErrorDeviceNotFound
		}
		st, ok := dev.StateType(sd.StateTypeID)
		if !ok {
			return RuleErrorStateTypeNotFound
		}
		if !st.Type.TypeMatches(sd.Value) {
			return RuleErrorInvalidStateEvaluatorValue
		}
	}
	for _, child := range se.ChildEvaluators {
		if ruleErr := e.validateEvaluatorTargets(child); !ruleErr.OK() {
			return ruleErr
		}
	}
	return RuleErrorNoError
}

func (e *Engine) validateAction(a RuleAction, eds []EventDescriptor) RuleError {
	dev, ok := e.registry.Device(a.DeviceID)
	if !ok {
		return RuleErrorDeviceNotFound
	}
	at, ok := dev.ActionType(a.ActionTypeID)
	if !ok {
		return RuleErrorActionTypeNotFound
	}
	for _, p := range a.Params {
		pt, ok := findParamType(at.Params, p.ParamTypeID)
		if !ok {
			return RuleErrorInvalidRuleActionParameter
		}
		if !p.IsEventBased() {
			if err := pt.ValidateValue(p.Value); err != nil {
				return RuleErrorInvalidRuleActionParameter
			}
			continue
		}
		src, ruleErr := e.eventParamType(eds, p.EventTypeID, p.EventParamTypeID)
		if !ruleErr.OK() {
			return ruleErr
		}
		if src.Type != pt.Type {
			return RuleErrorTypesNotMatching
		}
	}
	return RuleErrorNoError
}

// eventParamType resolves the declared type of an event-bound action
// param source. The referenced event type must appear among the rule's
// own device-bound descriptors.
func (e *Engine) eventParamType(eds []EventDescriptor, etid types.EventTypeID, eptid types.ParamTypeID) (types.ParamType, RuleError) {
	for _, ed := range eds {
		if !ed.IsDeviceBound() || ed.EventTypeID != etid {
			continue
		}
		dev, ok := e.registry.Device(ed.DeviceID)
		if !ok {
			return types.ParamType{}, RuleErrorDeviceNotFound
		}
		et, ok := dev.EventType(etid)
		if !ok {
			return types.ParamType{}, RuleErrorEventTypeNotFound
		}
		if pt, ok := findParamType(et.Params, eptid); ok {
			return pt, RuleErrorNoError
		}
		return types.ParamType{}, RuleErrorInvalidRuleActionParameter
	}
	return types.ParamType{}, RuleErrorInvalidRuleActionParameter
}

func findParamType(pts []types.ParamType, id types.ParamTypeID) (types.ParamType, bool) {
	for _, pt := range pts {
		if pt.ID == id {
			return pt, true
		}
	}
	return types.ParamType{}, false
}
