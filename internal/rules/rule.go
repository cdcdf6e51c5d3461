package rules

import (
	"github.com/hearthd/hearthd/internal/types"
)

// RuleActionParam is one parameter of a rule action: either a literal
// value or a binding to a param of the triggering event, resolved when
// the rule fires.
type RuleActionParam struct {
	ParamTypeID      types.ParamTypeID `json:"paramTypeId"`
	Value            any               `json:"value,omitempty"`
	EventTypeID      types.EventTypeID `json:"eventTypeId,omitempty"`
	EventParamTypeID types.ParamTypeID `json:"eventParamTypeId,omitempty"`
}

// IsEventBased reports whether the param binds to the triggering event.
func (p RuleActionParam) IsEventBased() bool {
	return p.EventTypeID != "" || p.EventParamTypeID != ""
}

// RuleAction is one action a rule executes on a device.
type RuleAction struct {
	DeviceID     types.DeviceID     `json:"deviceId"`
	ActionTypeID types.ActionTypeID `json:"actionTypeId"`
	Params       []RuleActionParam  `json:"ruleActionParams,omitempty"`
}

// IsEventBased reports whether any param binds to the triggering event.
func (a RuleAction) IsEventBased() bool {
	for _, p := range a.Params {
		if p.IsEventBased() {
			return true
		}
	}
	return false
}

// Rule connects events, states, and time to actions. The three runtime
// flags track why a rule is or is not active; only Active is part of the
// client-visible representation.
type Rule struct {
	ID               types.RuleID      `json:"id"`
	Name             string            `json:"name"`
	Enabled          bool              `json:"enabled"`
	Executable       bool              `json:"executable"`
	EventDescriptors []EventDescriptor `json:"eventDescriptors,omitempty"`
	StateEvaluator   *StateEvaluator   `json:"stateEvaluator,omitempty"`
	TimeDescriptor   TimeDescriptor    `json:"timeDescriptor"`
	Actions          []RuleAction      `json:"ruleActions"`
	ExitActions      []RuleAction      `json:"ruleExitActions,omitempty"`

	StatesActive bool `json:"-"`
	TimeActive   bool `json:"-"`
	Active       bool `json:"active"`
}

// evaluator returns the state evaluator, nil-safe: a rule without one
// behaves as an always-true empty evaluator.
func (r Rule) evaluator() StateEvaluator {
	if r.StateEvaluator == nil {
		return StateEvaluator{}
	}
	return *r.StateEvaluator
}

// ContainsEventBasedAction reports whether any action or exit action
// binds params to a triggering event.
func (r Rule) ContainsEventBasedAction() bool {
	for _, a := range r.Actions {
		if a.IsEventBased() {
			return true
		}
	}
	for _, a := range r.ExitActions {
		if a.IsEventBased() {
			return true
		}
	}
	return false
}

// ContainsDevice reports whether the rule references the device in its
// evaluator, event descriptors, or actions.
func (r Rule) ContainsDevice(id types.DeviceID) bool {
	if r.evaluator().ContainsDevice(id) {
		return true
	}
	for _, ed := range r.EventDescriptors {
		if ed.DeviceID == id {
			return true
		}
	}
	for _, a := range r.Actions {
		if a.DeviceID == id {
			return true
		}
	}
	for _, a := range r.ExitActions {
		if a.DeviceID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (r Rule) Clone() Rule {
	out := r
	out.EventDescriptors = cloneEventDescriptors(r.EventDescriptors)
	if r.StateEvaluator != nil {
		se := cloneEvaluator(*r.StateEvaluator)
		out.StateEvaluator = &se
	}
	out.TimeDescriptor = TimeDescriptor{
		CalendarItems:  cloneCalendarItems(r.TimeDescriptor.CalendarItems),
		TimeEventItems: cloneTimeEventItems(r.TimeDescriptor.TimeEventItems),
	}
	out.Actions = cloneActions(r.Actions)
	out.ExitActions = cloneActions(r.ExitActions)
	return out
}

func cloneEventDescriptors(in []EventDescriptor) []EventDescriptor {
	if in == nil {
		return nil
	}
	out := make([]EventDescriptor, len(in))
	for i, ed := range in {
		out[i] = ed
		out[i].ParamDescriptors = append([]types.ParamDescriptor(nil), ed.ParamDescriptors...)
	}
	return out
}

func cloneEvaluator(se StateEvaluator) StateEvaluator {
	out := StateEvaluator{Operator: se.Operator}
	if se.StateDescriptor != nil {
		sd := *se.StateDescriptor
		out.StateDescriptor = &sd
	}
	for _, child := range se.ChildEvaluators {
		out.ChildEvaluators = append(out.ChildEvaluators, cloneEvaluator(child))
	}
	return out
}

func cloneCalendarItems(in []CalendarItem) []CalendarItem {
	if in == nil {
		return nil
	}
	out := make([]CalendarItem, len(in))
	for i, ci := range in {
		out[i] = ci
		if ci.DateTime != nil {
			dt := *ci.DateTime
			out[i].DateTime = &dt
		}
		if ci.Repeating != nil {
			rep := *ci.Repeating
			rep.WeekDays = append([]int(nil), ci.Repeating.WeekDays...)
			rep.MonthDays = append([]int(nil), ci.Repeating.MonthDays...)
			out[i].Repeating = &rep
		}
	}
	return out
}

func cloneTimeEventItems(in []TimeEventItem) []TimeEventItem {
	if in == nil {
		return nil
	}
	out := make([]TimeEventItem, len(in))
	for i, ti := range in {
		out[i] = ti
		if ti.DateTime != nil {
			dt := *ti.DateTime
			out[i].DateTime = &dt
		}
		if ti.Repeating != nil {
			rep := *ti.Repeating
			rep.WeekDays = append([]int(nil), ti.Repeating.WeekDays...)
			rep.MonthDays = append([]int(nil), ti.Repeating.MonthDays...)
			out[i].Repeating = &rep
		}
	}
	return out
}

func cloneActions(in []RuleAction) []RuleAction {
	if in == nil {
		return nil
	}
	out := make([]RuleAction, len(in))
	for i, a := range in {
		out[i] = a
		out[i].Params = append([]RuleActionParam(nil), a.Params...)
	}
	return out
}
