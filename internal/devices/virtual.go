package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/types"
)

// Virtual is the built-in registry hosting devices declared in config.
// It implements Registry and Dispatcher. State writes emit a state-change
// event whose type id equals the state type id, which is what drives
// state-gated rules.
type Virtual struct {
	mu      sync.Mutex
	devices map[types.DeviceID]Device
	order   []types.DeviceID
	states  map[types.DeviceID]map[types.StateTypeID]any
	handler func(Event)
	bus     *events.Bus
}

// NewVirtual builds a registry from config definitions. Declared ids must
// be UUIDs; missing ids are rejected rather than generated so that rules
// referencing a device survive restarts.
func NewVirtual(defs []config.DeviceDef, bus *events.Bus) (*Virtual, error) {
	v := &Virtual{
		devices: make(map[types.DeviceID]Device),
		states:  make(map[types.DeviceID]map[types.StateTypeID]any),
		bus:     bus,
	}
	for _, def := range defs {
		dev, initial, err := deviceFromDef(def)
		if err != nil {
			return nil, err
		}
		if _, dup := v.devices[dev.ID]; dup {
			return nil, fmt.Errorf("device %s: duplicate id", dev.ID)
		}
		v.devices[dev.ID] = dev
		v.order = append(v.order, dev.ID)
		v.states[dev.ID] = initial
	}
	return v, nil
}

func deviceFromDef(def config.DeviceDef) (Device, map[types.StateTypeID]any, error) {
	id := types.DeviceID(def.ID)
	if !id.Valid() {
		return Device{}, nil, fmt.Errorf("device %q: id %q is not a UUID", def.Name, def.ID)
	}
	dev := Device{ID: id, Name: def.Name, Interfaces: def.Interfaces}
	initial := make(map[types.StateTypeID]any)

	for _, s := range def.States {
		stID := types.StateTypeID(s.ID)
		if !stID.Valid() {
			return Device{}, nil, fmt.Errorf("device %q state %q: id %q is not a UUID", def.Name, s.Name, s.ID)
		}
		vt, err := types.ParseValueType(s.Type)
		if err != nil {
			return Device{}, nil, fmt.Errorf("device %q state %q: %w", def.Name, s.Name, err)
		}
		st := StateType{ID: stID, Name: s.Name, Type: vt, Default: s.Default}
		if st.Default != nil && !vt.TypeMatches(st.Default) {
			return Device{}, nil, fmt.Errorf("device %q state %q: default %v does not match type %s", def.Name, s.Name, st.Default, vt)
		}
		dev.StateTypes = append(dev.StateTypes, st)
		initial[stID] = st.Default
	}
	for _, e := range def.Events {
		etID := types.EventTypeID(e.ID)
		if !etID.Valid() {
			return Device{}, nil, fmt.Errorf("device %q event %q: id %q is not a UUID", def.Name, e.Name, e.ID)
		}
		params, err := paramTypesFromDefs(e.Params)
		if err != nil {
			return Device{}, nil, fmt.Errorf("device %q event %q: %w", def.Name, e.Name, err)
		}
		dev.EventTypes = append(dev.EventTypes, EventType{ID: etID, Name: e.Name, Params: params})
	}
	for _, a := range def.Actions {
		atID := types.ActionTypeID(a.ID)
		if !atID.Valid() {
			return Device{}, nil, fmt.Errorf("device %q action %q: id %q is not a UUID", def.Name, a.Name, a.ID)
		}
		params, err := paramTypesFromDefs(a.Params)
		if err != nil {
			return Device{}, nil, fmt.Errorf("device %q action %q: %w", def.Name, a.Name, err)
		}
		dev.ActionTypes = append(dev.ActionTypes, ActionType{ID: atID, Name: a.Name, Params: params})
	}
	return dev, initial, nil
}

func paramTypesFromDefs(defs []config.ParamDef) ([]types.ParamType, error) {
	var out []types.ParamType
	for i, p := range defs {
		ptID := types.ParamTypeID(p.ID)
		if !ptID.Valid() {
			return nil, fmt.Errorf("param %q: id %q is not a UUID", p.Name, p.ID)
		}
		vt, err := types.ParseValueType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", p.Name, err)
		}
		out = append(out, types.ParamType{
			ID:            ptID,
			Name:          p.Name,
			Index:         i,
			Type:          vt,
			Min:           p.Min,
			Max:           p.Max,
			AllowedValues: p.AllowedValues,
		})
	}
	return out, nil
}

// SetEventHandler installs the callback receiving every device event.
// The handler runs on the publishing goroutine and must not block.
func (v *Virtual) SetEventHandler(h func(Event)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handler = h
}

// Device implements Registry.
func (v *Virtual) Device(id types.DeviceID) (Device, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	dev, ok := v.devices[id]
	return dev, ok
}

// Devices returns all hosted devices in declaration order.
func (v *Virtual) Devices() []Device {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Device, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.devices[id])
	}
	return out
}

// StateValue implements Registry.
func (v *Virtual) StateValue(id types.DeviceID, stateTypeID types.StateTypeID) (any, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	states, ok := v.states[id]
	if !ok {
		return nil, false
	}
	val, ok := states[stateTypeID]
	return val, ok
}

// SetStateValue writes a device state and emits the matching state-change
// event. The value must match the declared state type.
func (v *Virtual) SetStateValue(id types.DeviceID, stateTypeID types.StateTypeID, value any) error {
	v.mu.Lock()
	dev, ok := v.devices[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("device %s not found", id)
	}
	st, ok := dev.StateType(stateTypeID)
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("device %s has no state type %s", id, stateTypeID)
	}
	if !st.Type.TypeMatches(value) {
		v.mu.Unlock()
		return fmt.Errorf("state %s: value %v does not match type %s", st.Name, value, st.Type)
	}
	v.states[id][stateTypeID] = value
	handler := v.handler
	v.mu.Unlock()

	v.bus.Publish(events.Event{
		Source: events.SourceDevices,
		Kind:   events.KindStateChanged,
		Data: map[string]any{
			"device_id":     id.String(),
			"state_type_id": stateTypeID.String(),
			"value":         value,
		},
	})
	if handler != nil {
		handler(Event{
			DeviceID:    id,
			EventTypeID: types.EventTypeID(stateTypeID),
			Params:      []types.Param{{ParamTypeID: types.ParamTypeID(stateTypeID), Value: value}},
			Timestamp:   time.Now(),
		})
	}
	return nil
}

// EmitEvent publishes a declared device event to the installed handler.
// Params are validated against the event's param types.
func (v *Virtual) EmitEvent(id types.DeviceID, eventTypeID types.EventTypeID, params []types.Param) error {
	v.mu.Lock()
	dev, ok := v.devices[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("device %s not found", id)
	}
	et, ok := dev.EventType(eventTypeID)
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("device %s has no event type %s", id, eventTypeID)
	}
	for _, p := range params {
		pt, found := paramType(et.Params, p.ParamTypeID)
		if !found {
			v.mu.Unlock()
			return fmt.Errorf("event %s has no param type %s", et.Name, p.ParamTypeID)
		}
		if err := pt.ValidateValue(p.Value); err != nil {
			v.mu.Unlock()
			return err
		}
	}
	handler := v.handler
	v.mu.Unlock()

	v.bus.Publish(events.Event{
		Source: events.SourceDevices,
		Kind:   events.KindDeviceEvent,
		Data: map[string]any{
			"device_id":     id.String(),
			"event_type_id": eventTypeID.String(),
		},
	})
	if handler != nil {
		handler(Event{DeviceID: id, EventTypeID: eventTypeID, Params: params, Timestamp: time.Now()})
	}
	return nil
}

// ExecuteAction implements Dispatcher. The action's params are validated,
// and when a state type shares the action's name the first param value is
// written through SetStateValue, so rule effects are observable.
func (v *Virtual) ExecuteAction(action Action, done func(error)) {
	done(v.executeAction(action))
}

func (v *Virtual) executeAction(action Action) error {
	v.mu.Lock()
	dev, ok := v.devices[action.DeviceID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("device %s not found", action.DeviceID)
	}
	at, ok := dev.ActionType(action.ActionTypeID)
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("device %s has no action type %s", action.DeviceID, action.ActionTypeID)
	}
	for _, p := range action.Params {
		pt, found := paramType(at.Params, p.ParamTypeID)
		if !found {
			v.mu.Unlock()
			return fmt.Errorf("action %s has no param type %s", at.Name, p.ParamTypeID)
		}
		if err := pt.ValidateValue(p.Value); err != nil {
			v.mu.Unlock()
			return err
		}
	}

	var writeState *StateType
	for i := range dev.StateTypes {
		if dev.StateTypes[i].Name == at.Name {
			writeState = &dev.StateTypes[i]
			break
		}
	}
	v.mu.Unlock()

	if writeState != nil && len(action.Params) > 0 {
		return v.SetStateValue(action.DeviceID, writeState.ID, action.Params[0].Value)
	}
	return nil
}

func paramType(pts []types.ParamType, id types.ParamTypeID) (types.ParamType, bool) {
	for _, pt := range pts {
		if pt.ID == id {
			return pt, true
		}
	}
	return types.ParamType{}, false
}
