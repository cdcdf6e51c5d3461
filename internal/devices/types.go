// Package devices holds the device view the automation core acts on: a
// registry of devices with typed states, events, and actions, and a
// dispatcher that executes actions. Real device plugins live outside the
// core; the built-in virtual registry hosts devices declared in config.
package devices

import (
	"time"

	"github.com/hearthd/hearthd/internal/types"
)

// StateType declares one typed state of a device.
type StateType struct {
	ID      types.StateTypeID
	Name    string
	Type    types.ValueType
	Default any
}

// EventType declares one event a device can emit.
type EventType struct {
	ID     types.EventTypeID
	Name   string
	Params []types.ParamType
}

// ActionType declares one action a device accepts.
type ActionType struct {
	ID     types.ActionTypeID
	Name   string
	Params []types.ParamType
}

// Device describes one device and its type surface.
type Device struct {
	ID          types.DeviceID
	Name        string
	Interfaces  []string
	StateTypes  []StateType
	EventTypes  []EventType
	ActionTypes []ActionType
}

// StateType finds a declared state type by id.
func (d Device) StateType(id types.StateTypeID) (StateType, bool) {
	for _, st := range d.StateTypes {
		if st.ID == id {
			return st, true
		}
	}
	return StateType{}, false
}

// EventType finds a declared event type by id. State-change events share
// their UUID with the state type, so the lookup covers those too.
func (d Device) EventType(id types.EventTypeID) (EventType, bool) {
	for _, et := range d.EventTypes {
		if et.ID == id {
			return et, true
		}
	}
	if st, ok := d.StateType(types.StateTypeID(id)); ok {
		return stateChangeEventType(st), true
	}
	return EventType{}, false
}

// ActionType finds a declared action type by id.
func (d Device) ActionType(id types.ActionTypeID) (ActionType, bool) {
	for _, at := range d.ActionTypes {
		if at.ID == id {
			return at, true
		}
	}
	return ActionType{}, false
}

// HasInterface reports whether the device carries the interface tag.
func (d Device) HasInterface(name string) bool {
	for _, iface := range d.Interfaces {
		if iface == name {
			return true
		}
	}
	return false
}

// stateChangeEventType is the implicit event type every state carries:
// same UUID, one param (also same UUID) holding the new value.
func stateChangeEventType(st StateType) EventType {
	return EventType{
		ID:   types.EventTypeID(st.ID),
		Name: st.Name,
		Params: []types.ParamType{{
			ID:   types.ParamTypeID(st.ID),
			Name: st.Name,
			Type: st.Type,
		}},
	}
}

// Event is a timestamped occurrence emitted by a device.
type Event struct {
	DeviceID    types.DeviceID    `json:"deviceId"`
	EventTypeID types.EventTypeID `json:"eventTypeId"`
	Params      []types.Param     `json:"params,omitempty"`
	Timestamp   time.Time         `json:"-"`
}

// Action is a typed command directed at a device.
type Action struct {
	DeviceID     types.DeviceID     `json:"deviceId"`
	ActionTypeID types.ActionTypeID `json:"actionTypeId"`
	Params       []types.Param      `json:"params,omitempty"`
}

// Registry is the read view the rule engine evaluates against.
type Registry interface {
	// Device returns the device with the given id.
	Device(id types.DeviceID) (Device, bool)
	// StateValue returns the current value of a device state.
	StateValue(id types.DeviceID, stateTypeID types.StateTypeID) (any, bool)
}

// Dispatcher executes actions produced by the rule engine or requested
// through the API. done is invoked exactly once with the outcome; it may
// run synchronously or from another goroutine.
type Dispatcher interface {
	ExecuteAction(action Action, done func(error))
}
