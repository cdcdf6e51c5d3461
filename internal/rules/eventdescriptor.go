package rules

import (
	"github.com/hearthd/hearthd/internal/devices"
	"github.com/hearthd/hearthd/internal/types"
)

// EventDescriptor is a pattern matching device events. It binds either to
// a concrete (eventTypeId, deviceId) pair or to an interface event name
// matched against every device carrying the interface. Param descriptors
// narrow the match further.
type EventDescriptor struct {
	EventTypeID      types.EventTypeID       `json:"eventTypeId,omitempty"`
	DeviceID         types.DeviceID          `json:"deviceId,omitempty"`
	Interface        string                  `json:"interface,omitempty"`
	InterfaceEvent   string                  `json:"interfaceEvent,omitempty"`
	ParamDescriptors []types.ParamDescriptor `json:"paramDescriptors,omitempty"`
}

// IsDeviceBound reports whether the descriptor names a concrete device.
func (ed EventDescriptor) IsDeviceBound() bool {
	return ed.EventTypeID != "" || ed.DeviceID != ""
}

// IsInterfaceBound reports whether the descriptor names an interface.
func (ed EventDescriptor) IsInterfaceBound() bool {
	return ed.Interface != "" || ed.InterfaceEvent != ""
}

// Validate checks that exactly one binding form is complete and that the
// param descriptors carry known operators.
func (ed EventDescriptor) Validate() RuleError {
	if ed.IsDeviceBound() == ed.IsInterfaceBound() {
		return RuleErrorInvalidRuleFormat
	}
	if ed.IsDeviceBound() {
		if !ed.EventTypeID.Valid() || !ed.DeviceID.Valid() {
			return RuleErrorInvalidRuleFormat
		}
	} else if ed.Interface == "" || ed.InterfaceEvent == "" {
		return RuleErrorInvalidRuleFormat
	}
	for _, pd := range ed.ParamDescriptors {
		if _, err := types.ParseValueOperator(string(pd.Operator)); err != nil {
			return RuleErrorInvalidRuleFormat
		}
	}
	return RuleErrorNoError
}

// Matches reports whether the event satisfies the descriptor. Interface
// binding resolves the emitting device through the registry; a vanished
// device never matches.
func (ed EventDescriptor) Matches(ev devices.Event, reg devices.Registry) bool {
	if ed.IsDeviceBound() {
		if ev.DeviceID != ed.DeviceID || ev.EventTypeID != ed.EventTypeID {
			return false
		}
		return ed.paramsMatch(ev.Params)
	}
	dev, ok := reg.Device(ev.DeviceID)
	if !ok || !dev.HasInterface(ed.Interface) {
		return false
	}
	et, ok := dev.EventType(ev.EventTypeID)
	if !ok || et.Name != ed.InterfaceEvent {
		return false
	}
	return ed.paramsMatch(ev.Params)
}

func (ed EventDescriptor) paramsMatch(params []types.Param) bool {
	for _, pd := range ed.ParamDescriptors {
		if !pd.Matches(params) {
			return false
		}
	}
	return true
}
