package jsonrpc

import (
	"encoding/json"

	"github.com/hearthd/hearthd/internal/devices"
	"github.com/hearthd/hearthd/internal/types"
)

// DeviceError is the wire outcome of device operations. The registry
// itself reports plain errors; the enum taxonomy lives here at the API
// boundary.
type DeviceError string

// The device error taxonomy.
const (
	DeviceErrorNoError            DeviceError = "DeviceErrorNoError"
	DeviceErrorDeviceNotFound     DeviceError = "DeviceErrorDeviceNotFound"
	DeviceErrorStateTypeNotFound  DeviceError = "DeviceErrorStateTypeNotFound"
	DeviceErrorEventTypeNotFound  DeviceError = "DeviceErrorEventTypeNotFound"
	DeviceErrorActionTypeNotFound DeviceError = "DeviceErrorActionTypeNotFound"
	DeviceErrorInvalidParameter   DeviceError = "DeviceErrorInvalidParameter"
)

// NewDevicesHandler builds the Devices namespace over the virtual
// registry: device listings, state reads and writes, event injection,
// and action execution. ExecuteAction replies asynchronously once the
// device reports the outcome.
func NewDevicesHandler(virtual *devices.Virtual) *Handler {
	h := NewHandler("Devices")

	h.RegisterMethod("GetDevices",
		"List all devices with their state, event, and action types.",
		Schema{},
		Schema{"devices": []any{"$ref:Device"}},
		func(c *CallContext) *Reply {
			all := virtual.Devices()
			list := make([]any, 0, len(all))
			for _, d := range all {
				list = append(list, packDevice(d))
			}
			return Sync(map[string]any{"devices": list})
		})

	h.RegisterMethod("GetStateValue",
		"Read the current value of one device state.",
		Schema{"deviceId": "Uuid", "stateTypeId": "Uuid"},
		Schema{"deviceError": "$ref:DeviceError", "o:value": "Variant"},
		func(c *CallContext) *Reply {
			deviceID := types.DeviceID(c.Params["deviceId"].(string))
			stateTypeID := types.StateTypeID(c.Params["stateTypeId"].(string))
			dev, ok := virtual.Device(deviceID)
			if !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorDeviceNotFound})
			}
			if _, ok := dev.StateType(stateTypeID); !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorStateTypeNotFound})
			}
			value, _ := virtual.StateValue(deviceID, stateTypeID)
			return Sync(map[string]any{"deviceError": DeviceErrorNoError, "value": value})
		})

	h.RegisterMethod("GetStateValues",
		"Read all state values of one device.",
		Schema{"deviceId": "Uuid"},
		Schema{"deviceError": "$ref:DeviceError", "o:values": []any{"$ref:State"}},
		func(c *CallContext) *Reply {
			deviceID := types.DeviceID(c.Params["deviceId"].(string))
			dev, ok := virtual.Device(deviceID)
			if !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorDeviceNotFound})
			}
			values := make([]any, 0, len(dev.StateTypes))
			for _, st := range dev.StateTypes {
				if v, ok := virtual.StateValue(deviceID, st.ID); ok {
					values = append(values, map[string]any{"stateTypeId": st.ID, "value": v})
				}
			}
			return Sync(map[string]any{"deviceError": DeviceErrorNoError, "values": values})
		})

	h.RegisterMethod("SetStateValue",
		"Write one device state. The value must match the declared type; the write emits a StateChanged notification and feeds rule evaluation.",
		Schema{"deviceId": "Uuid", "stateTypeId": "Uuid", "value": "Variant"},
		Schema{"deviceError": "$ref:DeviceError"},
		func(c *CallContext) *Reply {
			deviceID := types.DeviceID(c.Params["deviceId"].(string))
			stateTypeID := types.StateTypeID(c.Params["stateTypeId"].(string))
			dev, ok := virtual.Device(deviceID)
			if !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorDeviceNotFound})
			}
			if _, ok := dev.StateType(stateTypeID); !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorStateTypeNotFound})
			}
			if err := virtual.SetStateValue(deviceID, stateTypeID, c.Params["value"]); err != nil {
				return Sync(map[string]any{"deviceError": DeviceErrorInvalidParameter})
			}
			return Sync(map[string]any{"deviceError": DeviceErrorNoError})
		})

	h.RegisterMethod("EmitEvent",
		"Inject a device event, as if the device itself had emitted it.",
		Schema{"deviceId": "Uuid", "eventTypeId": "Uuid", "o:params": []any{"$ref:Param"}},
		Schema{"deviceError": "$ref:DeviceError"},
		func(c *CallContext) *Reply {
			deviceID := types.DeviceID(c.Params["deviceId"].(string))
			eventTypeID := types.EventTypeID(c.Params["eventTypeId"].(string))
			dev, ok := virtual.Device(deviceID)
			if !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorDeviceNotFound})
			}
			if _, ok := dev.EventType(eventTypeID); !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorEventTypeNotFound})
			}
			if err := virtual.EmitEvent(deviceID, eventTypeID, paramsFromWire(c.Params["params"])); err != nil {
				return Sync(map[string]any{"deviceError": DeviceErrorInvalidParameter})
			}
			return Sync(map[string]any{"deviceError": DeviceErrorNoError})
		})

	h.RegisterMethod("ExecuteAction",
		"Execute a device action. The reply is held until the device reports the outcome.",
		Schema{"deviceId": "Uuid", "actionTypeId": "Uuid", "o:params": []any{"$ref:Param"}},
		Schema{"deviceError": "$ref:DeviceError"},
		func(c *CallContext) *Reply {
			deviceID := types.DeviceID(c.Params["deviceId"].(string))
			actionTypeID := types.ActionTypeID(c.Params["actionTypeId"].(string))
			dev, ok := virtual.Device(deviceID)
			if !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorDeviceNotFound})
			}
			if _, ok := dev.ActionType(actionTypeID); !ok {
				return Sync(map[string]any{"deviceError": DeviceErrorActionTypeNotFound})
			}
			reply, async := NewAsyncReply(0)
			virtual.ExecuteAction(devices.Action{
				DeviceID:     deviceID,
				ActionTypeID: actionTypeID,
				Params:       paramsFromWire(c.Params["params"]),
			}, func(err error) {
				if err != nil {
					async.Finish(map[string]any{"deviceError": DeviceErrorInvalidParameter})
					return
				}
				async.Finish(map[string]any{"deviceError": DeviceErrorNoError})
			})
			return reply
		})

	h.RegisterNotification("StateChanged", "A device state changed value.",
		Schema{"deviceId": "Uuid", "stateTypeId": "Uuid", "value": "Variant"})
	h.RegisterNotification("EventTriggered", "A device emitted an event.",
		Schema{"deviceId": "Uuid", "eventTypeId": "Uuid"})

	return h
}

// packDevice renders a device and its type surface in wire shape.
func packDevice(d devices.Device) map[string]any {
	out := map[string]any{"id": d.ID, "name": d.Name}
	if len(d.Interfaces) > 0 {
		ifaces := make([]any, 0, len(d.Interfaces))
		for _, s := range d.Interfaces {
			ifaces = append(ifaces, s)
		}
		out["interfaces"] = ifaces
	}
	if len(d.StateTypes) > 0 {
		sts := make([]any, 0, len(d.StateTypes))
		for _, st := range d.StateTypes {
			m := map[string]any{"id": st.ID, "name": st.Name, "type": st.Type}
			if st.Default != nil {
				m["defaultValue"] = st.Default
			}
			sts = append(sts, m)
		}
		out["stateTypes"] = sts
	}
	if len(d.EventTypes) > 0 {
		ets := make([]any, 0, len(d.EventTypes))
		for _, et := range d.EventTypes {
			m := map[string]any{"id": et.ID, "name": et.Name}
			if pts := packParamTypes(et.Params); pts != nil {
				m["paramTypes"] = pts
			}
			ets = append(ets, m)
		}
		out["eventTypes"] = ets
	}
	if len(d.ActionTypes) > 0 {
		ats := make([]any, 0, len(d.ActionTypes))
		for _, at := range d.ActionTypes {
			m := map[string]any{"id": at.ID, "name": at.Name}
			if pts := packParamTypes(at.Params); pts != nil {
				m["paramTypes"] = pts
			}
			ats = append(ats, m)
		}
		out["actionTypes"] = ats
	}
	return out
}

func packParamTypes(pts []types.ParamType) []any {
	if len(pts) == 0 {
		return nil
	}
	out := make([]any, 0, len(pts))
	for _, pt := range pts {
		if v, ok := wireValue(pt); ok {
			out = append(out, v)
		}
	}
	return out
}

// paramsFromWire decodes a schema-validated params list into typed
// Params. nil in, nil out.
func paramsFromWire(v any) []types.Param {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	var out []types.Param
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
