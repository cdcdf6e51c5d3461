package rules

import (
	"fmt"

	"github.com/hearthd/hearthd/internal/devices"
	"github.com/hearthd/hearthd/internal/types"
)

// StateOperator joins child evaluator results.
type StateOperator string

// The boolean join operators. Wire enum names.
const (
	StateOperatorAnd StateOperator = "StateOperatorAnd"
	StateOperatorOr  StateOperator = "StateOperatorOr"
)

// ParseStateOperator converts a wire string to a StateOperator.
func ParseStateOperator(s string) (StateOperator, error) {
	switch StateOperator(s) {
	case StateOperatorAnd, StateOperatorOr:
		return StateOperator(s), nil
	}
	return "", fmt.Errorf("unknown state operator %q", s)
}

// StateDescriptor compares one device state against a reference value.
type StateDescriptor struct {
	StateTypeID types.StateTypeID   `json:"stateTypeId"`
	DeviceID    types.DeviceID      `json:"deviceId"`
	Operator    types.ValueOperator `json:"operator"`
	Value       any                 `json:"value"`
}

// Matches evaluates the descriptor against the registry. An absent
// device or state yields false rather than an error.
func (sd StateDescriptor) Matches(reg devices.Registry) bool {
	val, ok := reg.StateValue(sd.DeviceID, sd.StateTypeID)
	if !ok {
		return false
	}
	return types.Compare(sd.Operator, val, sd.Value)
}

// StateEvaluator is a boolean tree over state descriptors. A node is
// either a leaf carrying one descriptor or an inner node joining child
// evaluators with Operator. An evaluator with neither always evaluates
// to true, so rules without state conditions stay unconstrained.
type StateEvaluator struct {
	StateDescriptor *StateDescriptor `json:"stateDescriptor,omitempty"`
	Operator        StateOperator    `json:"operator,omitempty"`
	ChildEvaluators []StateEvaluator `json:"childEvaluators,omitempty"`
}

// IsEmpty reports whether the node carries no descriptor and no children.
func (se StateEvaluator) IsEmpty() bool {
	return se.StateDescriptor == nil && len(se.ChildEvaluators) == 0
}

// Validate checks structural consistency: leaf and children are mutually
// exclusive, inner nodes need a join operator, descriptors need complete
// identity and a known comparison operator.
func (se StateEvaluator) Validate() RuleError {
	if se.StateDescriptor != nil && len(se.ChildEvaluators) > 0 {
		return RuleErrorInvalidRuleFormat
	}
	if se.StateDescriptor != nil {
		sd := se.StateDescriptor
		if !sd.StateTypeID.Valid() || !sd.DeviceID.Valid() {
			return RuleErrorInvalidRuleFormat
		}
		if _, err := types.ParseValueOperator(string(sd.Operator)); err != nil {
			return RuleErrorInvalidRuleFormat
		}
		if sd.Value == nil {
			return RuleErrorInvalidStateEvaluatorValue
		}
		return RuleErrorNoError
	}
	if len(se.ChildEvaluators) > 0 {
		if se.Operator != StateOperatorAnd && se.Operator != StateOperatorOr {
			return RuleErrorInvalidRuleFormat
		}
		for _, child := range se.ChildEvaluators {
			if err := child.Validate(); !err.OK() {
				return err
			}
		}
	}
	return RuleErrorNoError
}

// Evaluate computes the tree's truth value against the registry.
func (se StateEvaluator) Evaluate(reg devices.Registry) bool {
	if se.StateDescriptor != nil {
		return se.StateDescriptor.Matches(reg)
	}
	if len(se.ChildEvaluators) == 0 {
		return true
	}
	switch se.Operator {
	case StateOperatorOr:
		for _, child := range se.ChildEvaluators {
			if child.Evaluate(reg) {
				return true
			}
		}
		return false
	default:
		for _, child := range se.ChildEvaluators {
			if !child.Evaluate(reg) {
				return false
			}
		}
		return true
	}
}

// ContainsDevice reports whether any descriptor in the tree references
// the device.
func (se StateEvaluator) ContainsDevice(id types.DeviceID) bool {
	if se.StateDescriptor != nil && se.StateDescriptor.DeviceID == id {
		return true
	}
	for _, child := range se.ChildEvaluators {
		if child.ContainsDevice(id) {
			return true
		}
	}
	return false
}

// ContainsStateType reports whether any descriptor in the tree references
// the state type.
func (se StateEvaluator) ContainsStateType(id types.StateTypeID) bool {
	if se.StateDescriptor != nil && se.StateDescriptor.StateTypeID == id {
		return true
	}
	for _, child := range se.ChildEvaluators {
		if child.ContainsStateType(id) {
			return true
		}
	}
	return false
}

// RemoveDevice returns a copy of the tree with every descriptor
// referencing the device pruned. Inner nodes whose children all vanish
// are dropped as well, so the result never contains hollow branches.
func (se StateEvaluator) RemoveDevice(id types.DeviceID) StateEvaluator {
	if se.StateDescriptor != nil {
		if se.StateDescriptor.DeviceID == id {
			return StateEvaluator{}
		}
		sd := *se.StateDescriptor
		return StateEvaluator{StateDescriptor: &sd}
	}
	out := StateEvaluator{Operator: se.Operator}
	for _, child := range se.ChildEvaluators {
		pruned := child.RemoveDevice(id)
		if pruned.IsEmpty() {
			continue
		}
		out.ChildEvaluators = append(out.ChildEvaluators, pruned)
	}
	if len(out.ChildEvaluators) == 0 {
		return StateEvaluator{}
	}
	return out
}
