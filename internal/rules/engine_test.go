package rules

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hearthd/hearthd/internal/devices"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/types"
)

// Fixture ids, fixed so stored rules are reproducible across runs.
const (
	devHeat     = types.DeviceID("1f3a1a2e-5c6d-4c8e-9a0b-0d9e8f7a6b5c")
	devLamp     = types.DeviceID("2b4c5d6e-7f80-4a1b-8c2d-3e4f5a6b7c8d")
	stTemp      = types.StateTypeID("3c5d6e7f-8a9b-4c0d-9e1f-2a3b4c5d6e7f")
	stPower     = types.StateTypeID("4d6e7f8a-9b0c-4d1e-8f2a-3b4c5d6e7f8a")
	evButton    = types.EventTypeID("5e7f8a9b-0c1d-4e2f-9a3b-4c5d6e7f8a9b")
	ptPress     = types.ParamTypeID("6f8a9b0c-1d2e-4f3a-8b4c-5d6e7f8a9b0c")
	acSetPower  = types.ActionTypeID("7a9b0c1d-2e3f-4a4b-9c5d-6e7f8a9b0c1d")
	ptPower     = types.ParamTypeID("8b0c1d2e-3f4a-4b5c-8d6e-7f8a9b0c1d2e")
	acSetTarget = types.ActionTypeID("9c1d2e3f-4a5b-4c6d-9e7f-8a9b0c1d2e3f")
	ptTarget    = types.ParamTypeID("0d2e3f4a-5b6c-4d7e-8f8a-9b0c1d2e3f4a")
	ruleOne     = types.RuleID("a1b2c3d4-e5f6-4a0b-8c1d-2e3f4a5b6c7d")
	ruleTwo     = types.RuleID("b2c3d4e5-f6a7-4b1c-9d2e-3f4a5b6c7d8e")
)

type testRegistry struct {
	devs   map[types.DeviceID]devices.Device
	states map[types.DeviceID]map[types.StateTypeID]any
}

func newTestRegistry() *testRegistry {
	heat := devices.Device{
		ID:         devHeat,
		Name:       "Thermostat",
		Interfaces: []string{"temperaturesensor"},
		StateTypes: []devices.StateType{
			{ID: stTemp, Name: "temperature", Type: types.ValueTypeDouble, Default: float64(18)},
		},
		ActionTypes: []devices.ActionType{
			{ID: acSetTarget, Name: "setTarget", Params: []types.ParamType{
				{ID: ptTarget, Name: "target", Type: types.ValueTypeDouble},
			}},
		},
	}
	lamp := devices.Device{
		ID:   devLamp,
		Name: "Lamp",
		StateTypes: []devices.StateType{
			{ID: stPower, Name: "power", Type: types.ValueTypeBool, Default: false},
		},
		EventTypes: []devices.EventType{
			{ID: evButton, Name: "button", Params: []types.ParamType{
				{ID: ptPress, Name: "pressValue", Type: types.ValueTypeDouble},
			}},
		},
		ActionTypes: []devices.ActionType{
			{ID: acSetPower, Name: "setPower", Params: []types.ParamType{
				{ID: ptPower, Name: "power", Type: types.ValueTypeBool},
			}},
		},
	}
	return &testRegistry{
		devs: map[types.DeviceID]devices.Device{devHeat: heat, devLamp: lamp},
		states: map[types.DeviceID]map[types.StateTypeID]any{
			devHeat: {stTemp: float64(18)},
			devLamp: {stPower: false},
		},
	}
}

func (r *testRegistry) Device(id types.DeviceID) (devices.Device, bool) {
	d, ok := r.devs[id]
	return d, ok
}

func (r *testRegistry) StateValue(id types.DeviceID, st types.StateTypeID) (any, bool) {
	states, ok := r.states[id]
	if !ok {
		return nil, false
	}
	v, ok := states[st]
	return v, ok
}

func (r *testRegistry) setState(id types.DeviceID, st types.StateTypeID, v any) {
	r.states[id][st] = v
}

type recordingDispatcher struct {
	actions []devices.Action
}

func (d *recordingDispatcher) ExecuteAction(a devices.Action, done func(error)) {
	d.actions = append(d.actions, a)
	if done != nil {
		done(nil)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngineAt(t *testing.T, path string) (*Engine, *testRegistry, *recordingDispatcher) {
	t.Helper()
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	reg := newTestRegistry()
	disp := &recordingDispatcher{}
	return NewEngine(testLogger(), store, reg, disp, nil, time.UTC), reg, disp
}

func newTestEngine(t *testing.T) (*Engine, *testRegistry, *recordingDispatcher) {
	t.Helper()
	return newEngineAt(t, filepath.Join(t.TempDir(), "rules.conf"))
}

// tempRule wants the thermostat above 20 and toggles the lamp.
func tempRule() Rule {
	return Rule{
		ID:         ruleOne,
		Name:       "Heating window",
		Enabled:    true,
		Executable: true,
		StateEvaluator: &StateEvaluator{
			StateDescriptor: &StateDescriptor{
				StateTypeID: stTemp,
				DeviceID:    devHeat,
				Operator:    types.ValueOperatorGreater,
				Value:       float64(20),
			},
		},
		Actions: []RuleAction{{
			DeviceID:     devLamp,
			ActionTypeID: acSetPower,
			Params:       []RuleActionParam{{ParamTypeID: ptPower, Value: true}},
		}},
		ExitActions: []RuleAction{{
			DeviceID:     devLamp,
			ActionTypeID: acSetPower,
			Params:       []RuleActionParam{{ParamTypeID: ptPower, Value: false}},
		}},
	}
}

// stateChange mimics the registry's implicit state-change event: the
// event type id equals the state type id, one param carries the value.
func stateChange(dev types.DeviceID, st types.StateTypeID, v any) devices.Event {
	return devices.Event{
		DeviceID:    dev,
		EventTypeID: types.EventTypeID(st),
		Params:      []types.Param{{ParamTypeID: types.ParamTypeID(st), Value: v}},
	}
}

func TestAddRule_ReadBackIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	e, _, _ := newEngineAt(t, path)

	want := tempRule()
	if got := e.AddRule(want); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	// A fresh engine over the same file must see the identical rule.
	e2, _, _ := newEngineAt(t, path)
	rules := e2.Rules()
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	got := rules[0]
	if got.Name != want.Name || got.Enabled != want.Enabled || got.Executable != want.Executable {
		t.Errorf("header fields differ: got %+v", got)
	}
	if !reflect.DeepEqual(got.StateEvaluator, want.StateEvaluator) {
		t.Errorf("state evaluator differs:\ngot  %+v\nwant %+v", got.StateEvaluator, want.StateEvaluator)
	}
	if !reflect.DeepEqual(got.Actions, want.Actions) {
		t.Errorf("actions differ:\ngot  %+v\nwant %+v", got.Actions, want.Actions)
	}
	if !reflect.DeepEqual(got.ExitActions, want.ExitActions) {
		t.Errorf("exit actions differ:\ngot  %+v\nwant %+v", got.ExitActions, want.ExitActions)
	}
	if got.Active {
		t.Error("a freshly loaded rule must not be active")
	}
	if got.StatesActive {
		t.Error("states flag should be false at 18 degrees")
	}
	if !got.TimeActive {
		t.Error("time flag should be true without calendar items")
	}
}

func TestAddRule_DuplicateId(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	if got := e.AddRule(tempRule()); got != RuleErrorInvalidRuleId {
		t.Errorf("duplicate AddRule() = %v, want %v", got, RuleErrorInvalidRuleId)
	}
}

func TestAddRule_ConsistencyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	e, _, _ := newEngineAt(t, path)

	r := tempRule()
	r.StateEvaluator = nil
	r.EventDescriptors = []EventDescriptor{{EventTypeID: evButton, DeviceID: devLamp}}
	// Event triggers fire one-shot; exit actions would be unreachable.
	if got := e.AddRule(r); got != RuleErrorInvalidRuleFormat {
		t.Fatalf("AddRule() = %v, want %v", got, RuleErrorInvalidRuleFormat)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("a rejected rule must not touch the store file")
	}
	if len(e.Rules()) != 0 {
		t.Error("a rejected rule must not be inserted")
	}
}

func TestAddRule_ValidationErrors(t *testing.T) {
	ghost := types.DeviceID("c3d4e5f6-a7b8-4c2d-8e3f-4a5b6c7d8e9f")

	tests := []struct {
		name   string
		mutate func(*Rule)
		want   RuleError
	}{
		{"no actions", func(r *Rule) { r.Actions = nil }, RuleErrorMissingParameter},
		{"unknown action device", func(r *Rule) { r.Actions[0].DeviceID = ghost }, RuleErrorDeviceNotFound},
		{"unknown action type", func(r *Rule) { r.Actions[0].ActionTypeID = types.ActionTypeID(string(ghost)) }, RuleErrorActionTypeNotFound},
		{"unknown evaluator device", func(r *Rule) { r.StateEvaluator.StateDescriptor.DeviceID = ghost }, RuleErrorDeviceNotFound},
		{"unknown state type", func(r *Rule) { r.StateEvaluator.StateDescriptor.StateTypeID = types.StateTypeID(string(ghost)) }, RuleErrorStateTypeNotFound},
		{"evaluator value type mismatch", func(r *Rule) { r.StateEvaluator.StateDescriptor.Value = "hot" }, RuleErrorInvalidStateEvaluatorValue},
		{"evaluator missing value", func(r *Rule) { r.StateEvaluator.StateDescriptor.Value = nil }, RuleErrorInvalidStateEvaluatorValue},
		{
			"action param unknown",
			func(r *Rule) { r.Actions[0].Params[0].ParamTypeID = ptTarget },
			RuleErrorInvalidRuleActionParameter,
		},
		{
			"action param bad value",
			func(r *Rule) { r.Actions[0].Params[0].Value = "yes" },
			RuleErrorInvalidRuleActionParameter,
		},
		{
			"time events with exit actions",
			func(r *Rule) {
				r.TimeDescriptor.TimeEventItems = []TimeEventItem{{Time: "08:00"}}
			},
			RuleErrorInvalidRuleFormat,
		},
		{
			"invalid calendar item",
			func(r *Rule) {
				r.TimeDescriptor.CalendarItems = []CalendarItem{{StartTime: "08:00"}}
			},
			RuleErrorInvalidCalendarItem,
		},
		{
			"invalid repeating option",
			func(r *Rule) {
				r.TimeDescriptor.CalendarItems = []CalendarItem{{
					StartTime: "08:00", Duration: 10,
					Repeating: &RepeatingOption{Mode: RepeatingModeWeekly},
				}}
			},
			RuleErrorInvalidRepeatingOption,
		},
	}
	for _, tc := range tests {
		e, _, _ := newTestEngine(t)
		r := tempRule()
		tc.mutate(&r)
		if got := e.AddRule(r); got != tc.want {
			t.Errorf("%s: AddRule() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAddRule_EventBindingValidation(t *testing.T) {
	bound := func(target types.ParamTypeID, action types.ActionTypeID, dev types.DeviceID) Rule {
		return Rule{
			ID:         ruleTwo,
			Name:       "On button",
			Enabled:    true,
			Executable: true,
			EventDescriptors: []EventDescriptor{
				{EventTypeID: evButton, DeviceID: devLamp},
			},
			Actions: []RuleAction{{
				DeviceID:     dev,
				ActionTypeID: action,
				Params: []RuleActionParam{{
					ParamTypeID:      target,
					EventTypeID:      evButton,
					EventParamTypeID: ptPress,
				}},
			}},
		}
	}

	e, _, _ := newTestEngine(t)
	if got := e.AddRule(bound(ptTarget, acSetTarget, devHeat)); !got.OK() {
		t.Errorf("double-to-double binding: AddRule() = %v", got)
	}

	e, _, _ = newTestEngine(t)
	if got := e.AddRule(bound(ptPower, acSetPower, devLamp)); got != RuleErrorTypesNotMatching {
		t.Errorf("double-to-bool binding: AddRule() = %v, want %v", got, RuleErrorTypesNotMatching)
	}

	// Binding to an event type the rule does not list cannot resolve.
	e, _, _ = newTestEngine(t)
	r := bound(ptTarget, acSetTarget, devHeat)
	r.EventDescriptors = nil
	r.ExitActions = nil
	if got := e.AddRule(r); got != RuleErrorInvalidRuleActionParameter {
		t.Errorf("unlisted event binding: AddRule() = %v, want %v", got, RuleErrorInvalidRuleActionParameter)
	}
}

func TestEvaluateEvent_StateRuleLifecycle(t *testing.T) {
	e, reg, disp := newTestEngine(t)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	// 18 -> 22 crosses the threshold: the rule activates and its
	// actions run.
	reg.setState(devHeat, stTemp, float64(22))
	ev := stateChange(devHeat, stTemp, float64(22))
	triggered := e.EvaluateEvent(ev)
	if len(triggered) != 1 || !triggered[0].Active {
		t.Fatalf("EvaluateEvent(22) = %+v, want one newly active rule", triggered)
	}
	e.ExecuteTriggered(triggered, &ev)
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched actions, want 1", len(disp.actions))
	}
	if v, _ := types.ParamValue(disp.actions[0].Params, ptPower); v != true {
		t.Errorf("activation should dispatch setPower(true), got %v", v)
	}

	// Same value again: no transition, nothing fires.
	if again := e.EvaluateEvent(stateChange(devHeat, stTemp, float64(22))); len(again) != 0 {
		t.Errorf("no-op event produced %d transitions", len(again))
	}

	// 22 -> 19 drops below: the rule deactivates and the exit actions
	// run.
	reg.setState(devHeat, stTemp, float64(19))
	ev = stateChange(devHeat, stTemp, float64(19))
	triggered = e.EvaluateEvent(ev)
	if len(triggered) != 1 || triggered[0].Active {
		t.Fatalf("EvaluateEvent(19) = %+v, want one newly inactive rule", triggered)
	}
	disp.actions = nil
	e.ExecuteTriggered(triggered, &ev)
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched actions, want 1", len(disp.actions))
	}
	if v, _ := types.ParamValue(disp.actions[0].Params, ptPower); v != false {
		t.Errorf("deactivation should dispatch setPower(false), got %v", v)
	}
}

func TestEvaluateEvent_BindsEventParams(t *testing.T) {
	e, _, disp := newTestEngine(t)
	r := Rule{
		ID:         ruleTwo,
		Name:       "Button sets target",
		Enabled:    true,
		Executable: true,
		EventDescriptors: []EventDescriptor{
			{EventTypeID: evButton, DeviceID: devLamp},
		},
		Actions: []RuleAction{{
			DeviceID:     devHeat,
			ActionTypeID: acSetTarget,
			Params: []RuleActionParam{{
				ParamTypeID:      ptTarget,
				EventTypeID:      evButton,
				EventParamTypeID: ptPress,
			}},
		}},
	}
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	ev := devices.Event{
		DeviceID:    devLamp,
		EventTypeID: evButton,
		Params:      []types.Param{{ParamTypeID: ptPress, Value: float64(7)}},
	}
	triggered := e.EvaluateEvent(ev)
	if len(triggered) != 1 {
		t.Fatalf("EvaluateEvent() returned %d rules, want 1", len(triggered))
	}
	e.ExecuteTriggered(triggered, &ev)
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched actions, want 1", len(disp.actions))
	}
	if v, _ := types.ParamValue(disp.actions[0].Params, ptTarget); v != float64(7) {
		t.Errorf("bound param = %v, want 7", v)
	}
}

func TestEvaluateEvent_ParamDescriptorFilter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r := Rule{
		ID:         ruleTwo,
		Name:       "Hard press only",
		Enabled:    true,
		Executable: true,
		EventDescriptors: []EventDescriptor{{
			EventTypeID: evButton,
			DeviceID:    devLamp,
			ParamDescriptors: []types.ParamDescriptor{{
				ParamTypeID: ptPress,
				Operator:    types.ValueOperatorGreaterOrEqual,
				Value:       float64(5),
			}},
		}},
		Actions: []RuleAction{{
			DeviceID:     devLamp,
			ActionTypeID: acSetPower,
			Params:       []RuleActionParam{{ParamTypeID: ptPower, Value: true}},
		}},
	}
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	soft := devices.Event{DeviceID: devLamp, EventTypeID: evButton,
		Params: []types.Param{{ParamTypeID: ptPress, Value: float64(3)}}}
	if got := e.EvaluateEvent(soft); len(got) != 0 {
		t.Errorf("press 3 should not fire, got %d rules", len(got))
	}
	hard := devices.Event{DeviceID: devLamp, EventTypeID: evButton,
		Params: []types.Param{{ParamTypeID: ptPress, Value: float64(7)}}}
	if got := e.EvaluateEvent(hard); len(got) != 1 {
		t.Errorf("press 7 should fire, got %d rules", len(got))
	}
}

func TestEvaluateEvent_InterfaceDescriptor(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	r := Rule{
		ID:         ruleTwo,
		Name:       "Any temperature sensor",
		Enabled:    true,
		Executable: true,
		EventDescriptors: []EventDescriptor{{
			Interface:      "temperaturesensor",
			InterfaceEvent: "temperature",
		}},
		Actions: []RuleAction{{
			DeviceID:     devLamp,
			ActionTypeID: acSetPower,
			Params:       []RuleActionParam{{ParamTypeID: ptPower, Value: true}},
		}},
	}
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	// The thermostat carries the interface; its temperature state
	// change resolves by event name.
	reg.setState(devHeat, stTemp, float64(21))
	if got := e.EvaluateEvent(stateChange(devHeat, stTemp, float64(21))); len(got) != 1 {
		t.Errorf("interface-bound descriptor should match, got %d rules", len(got))
	}
	// The lamp does not carry the interface.
	if got := e.EvaluateEvent(stateChange(devLamp, stPower, true)); len(got) != 0 {
		t.Errorf("non-member device should not match, got %d rules", len(got))
	}
}

func TestEditRule_AtomicOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	e, _, _ := newEngineAt(t, path)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	bad := tempRule()
	bad.Actions = nil
	if got := e.EditRule(bad); got != RuleErrorMissingParameter {
		t.Fatalf("EditRule() = %v, want %v", got, RuleErrorMissingParameter)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(before) != string(after) {
		t.Error("a failed edit must leave the store byte-identical")
	}
	if got, _ := e.Rule(ruleOne); got.Name != "Heating window" {
		t.Error("a failed edit must leave the in-memory rule untouched")
	}
}

func TestEditRule_KeepsPositionAndDeactivates(t *testing.T) {
	e, reg, _ := newTestEngine(t)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	second := tempRule()
	second.ID = ruleTwo
	second.Name = "Second"
	if got := e.AddRule(second); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	// Activate the first rule, then edit it: the active flag resets
	// until the next evaluation pass.
	reg.setState(devHeat, stTemp, float64(25))
	e.EvaluateEvent(stateChange(devHeat, stTemp, float64(25)))
	if got, _ := e.Rule(ruleOne); !got.Active {
		t.Fatal("rule should be active before the edit")
	}

	edited := tempRule()
	edited.Name = "Renamed"
	if got := e.EditRule(edited); !got.OK() {
		t.Fatalf("EditRule() = %v", got)
	}

	rules := e.Rules()
	if len(rules) != 2 || rules[0].ID != ruleOne || rules[1].ID != ruleTwo {
		t.Errorf("edit must keep evaluation order, got %v then %v", rules[0].ID, rules[1].ID)
	}
	if rules[0].Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", rules[0].Name)
	}
	if rules[0].Active {
		t.Error("an edited rule leaves the active set until the next tick")
	}

	// The next evaluation puts it back.
	triggered := e.EvaluateEvent(stateChange(devHeat, stTemp, float64(25)))
	if len(triggered) != 1 || !triggered[0].Active {
		t.Error("the next evaluation should re-activate the edited rule")
	}
}

func TestEditRule_NotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if got := e.EditRule(tempRule()); got != RuleErrorRuleNotFound {
		t.Errorf("EditRule() = %v, want %v", got, RuleErrorRuleNotFound)
	}
}

func TestRemoveRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	e, _, _ := newEngineAt(t, path)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	if got := e.RemoveRule(ruleOne); !got.OK() {
		t.Fatalf("RemoveRule() = %v", got)
	}
	if len(e.Rules()) != 0 {
		t.Error("removed rule still listed")
	}
	if got := e.RemoveRule(ruleOne); got != RuleErrorRuleNotFound {
		t.Errorf("second RemoveRule() = %v, want %v", got, RuleErrorRuleNotFound)
	}

	// Fresh engine sees the removal.
	e2, _, _ := newEngineAt(t, path)
	if len(e2.Rules()) != 0 {
		t.Error("removed rule came back after reload")
	}
}

func TestEnableDisable_TracksActiveFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	e, reg, _ := newEngineAt(t, path)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	reg.setState(devHeat, stTemp, float64(25))
	e.EvaluateEvent(stateChange(devHeat, stTemp, float64(25)))

	if got := e.DisableRule(ruleOne); !got.OK() {
		t.Fatalf("DisableRule() = %v", got)
	}
	if got, _ := e.Rule(ruleOne); got.Active {
		t.Error("a disabled rule can never be active")
	}
	// Disabled rules are skipped entirely.
	if got := e.EvaluateEvent(stateChange(devHeat, stTemp, float64(25))); len(got) != 0 {
		t.Error("disabled rules must not evaluate")
	}
	if got := e.DisableRule(ruleOne); !got.OK() {
		t.Errorf("repeated DisableRule() = %v", got)
	}

	// Re-enabling recomputes the gates: still 25 degrees, so the rule
	// is immediately active again.
	if got := e.EnableRule(ruleOne); !got.OK() {
		t.Fatalf("EnableRule() = %v", got)
	}
	if got, _ := e.Rule(ruleOne); !got.Active {
		t.Error("enabling with satisfied gates should activate the rule")
	}

	// The enabled flag persists.
	if got := e.DisableRule(ruleOne); !got.OK() {
		t.Fatalf("DisableRule() = %v", got)
	}
	e2, _, _ := newEngineAt(t, path)
	if got, _ := e2.Rule(ruleOne); got.Enabled {
		t.Error("disabled flag should survive reload")
	}
}

func TestExecuteActions(t *testing.T) {
	e, _, disp := newTestEngine(t)
	r := tempRule()
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	if got := e.ExecuteActions(ruleOne); !got.OK() {
		t.Fatalf("ExecuteActions() = %v", got)
	}
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched actions, want 1", len(disp.actions))
	}
	disp.actions = nil

	if got := e.ExecuteExitActions(ruleOne); !got.OK() {
		t.Fatalf("ExecuteExitActions() = %v", got)
	}
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched exit actions, want 1", len(disp.actions))
	}

	if got := e.ExecuteActions(types.NewRuleID()); got != RuleErrorRuleNotFound {
		t.Errorf("unknown rule: ExecuteActions() = %v, want %v", got, RuleErrorRuleNotFound)
	}
}

func TestExecuteActions_Preconditions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	notExec := tempRule()
	notExec.Executable = false
	if got := e.AddRule(notExec); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	if got := e.ExecuteActions(ruleOne); got != RuleErrorNotExecutable {
		t.Errorf("ExecuteActions() = %v, want %v", got, RuleErrorNotExecutable)
	}

	noExit := tempRule()
	noExit.ID = ruleTwo
	noExit.ExitActions = nil
	if got := e.AddRule(noExit); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	if got := e.ExecuteExitActions(ruleTwo); got != RuleErrorNoExitActions {
		t.Errorf("ExecuteExitActions() = %v, want %v", got, RuleErrorNoExitActions)
	}
}

func TestExecuteActions_RefusesEventBased(t *testing.T) {
	e, _, _ := newTestEngine(t)
	r := Rule{
		ID:         ruleTwo,
		Name:       "Bound",
		Enabled:    true,
		Executable: true,
		EventDescriptors: []EventDescriptor{
			{EventTypeID: evButton, DeviceID: devLamp},
		},
		Actions: []RuleAction{{
			DeviceID:     devHeat,
			ActionTypeID: acSetTarget,
			Params: []RuleActionParam{{
				ParamTypeID:      ptTarget,
				EventTypeID:      evButton,
				EventParamTypeID: ptPress,
			}},
		}},
	}
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	if got := e.ExecuteActions(ruleTwo); got != RuleErrorContainsEventBasedAction {
		t.Errorf("ExecuteActions() = %v, want %v", got, RuleErrorContainsEventBasedAction)
	}
}

func TestEvaluateTime_WeeklyCalendarRule(t *testing.T) {
	e, _, disp := newTestEngine(t)
	e.nowFunc = func() time.Time { return monday(7, 59) }

	r := tempRule()
	r.StateEvaluator = nil
	r.TimeDescriptor.CalendarItems = []CalendarItem{{
		StartTime: "08:00",
		Duration:  60,
		Repeating: &RepeatingOption{Mode: RepeatingModeWeekly, WeekDays: []int{1}},
	}}
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	if got, _ := e.Rule(ruleOne); got.TimeActive {
		t.Fatal("07:59 is outside the window, time flag should start false")
	}

	if got := e.EvaluateTime(monday(7, 59)); len(got) != 0 {
		t.Errorf("07:59 tick fired %d rules, want 0", len(got))
	}

	triggered := e.EvaluateTime(monday(8, 0))
	if len(triggered) != 1 || !triggered[0].Active {
		t.Fatalf("08:00 tick = %+v, want one newly active rule", triggered)
	}
	e.ExecuteTriggered(triggered, nil)
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched actions, want 1", len(disp.actions))
	}
	if v, _ := types.ParamValue(disp.actions[0].Params, ptPower); v != true {
		t.Errorf("window entry should dispatch setPower(true), got %v", v)
	}

	if got := e.EvaluateTime(monday(8, 30)); len(got) != 0 {
		t.Errorf("mid-window tick fired %d rules, want 0", len(got))
	}

	triggered = e.EvaluateTime(monday(9, 0))
	if len(triggered) != 1 || triggered[0].Active {
		t.Fatalf("09:00 tick = %+v, want one newly inactive rule", triggered)
	}
	disp.actions = nil
	e.ExecuteTriggered(triggered, nil)
	if len(disp.actions) != 1 {
		t.Fatalf("got %d dispatched exit actions, want 1", len(disp.actions))
	}
	if v, _ := types.ParamValue(disp.actions[0].Params, ptPower); v != false {
		t.Errorf("window exit should dispatch setPower(false), got %v", v)
	}

	// Tuesday morning: the Monday-only window stays shut.
	if got := e.EvaluateTime(monday(8, 30).AddDate(0, 0, 1)); len(got) != 0 {
		t.Errorf("Tuesday tick fired %d rules, want 0", len(got))
	}
}

func TestEvaluateTime_TimeEventRule(t *testing.T) {
	e, reg, disp := newTestEngine(t)
	r := Rule{
		ID:         ruleOne,
		Name:       "Morning lamp",
		Enabled:    true,
		Executable: true,
		TimeDescriptor: TimeDescriptor{
			TimeEventItems: []TimeEventItem{{Time: "08:00"}},
		},
		StateEvaluator: &StateEvaluator{
			StateDescriptor: &StateDescriptor{
				StateTypeID: stTemp,
				DeviceID:    devHeat,
				Operator:    types.ValueOperatorGreater,
				Value:       float64(20),
			},
		},
		Actions: []RuleAction{{
			DeviceID:     devLamp,
			ActionTypeID: acSetPower,
			Params:       []RuleActionParam{{ParamTypeID: ptPower, Value: true}},
		}},
	}
	if got := e.AddRule(r); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	// States gate closed: the instant passes without firing.
	e.EvaluateTime(monday(7, 59))
	if got := e.EvaluateTime(monday(8, 1)); len(got) != 0 {
		t.Errorf("instant with closed state gate fired %d rules, want 0", len(got))
	}

	// Open the gate, then cross the next day's instant.
	reg.setState(devHeat, stTemp, float64(22))
	e.EvaluateEvent(stateChange(devHeat, stTemp, float64(22)))

	e.EvaluateTime(monday(7, 59).AddDate(0, 0, 1))
	triggered := e.EvaluateTime(monday(8, 1).AddDate(0, 0, 1))
	if len(triggered) != 1 {
		t.Fatalf("instant with open state gate fired %d rules, want 1", len(triggered))
	}
	e.ExecuteTriggered(triggered, nil)
	if len(disp.actions) != 1 {
		t.Errorf("got %d dispatched actions, want 1", len(disp.actions))
	}

	// The same instant never fires twice.
	if got := e.EvaluateTime(monday(8, 2).AddDate(0, 0, 1)); len(got) != 0 {
		t.Errorf("instant re-fired on the next tick: %d rules", len(got))
	}
}

func TestFindRules(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	lampOnly := Rule{
		ID:         ruleTwo,
		Name:       "Lamp only",
		Enabled:    true,
		Executable: true,
		EventDescriptors: []EventDescriptor{
			{EventTypeID: evButton, DeviceID: devLamp},
		},
		Actions: []RuleAction{{
			DeviceID:     devLamp,
			ActionTypeID: acSetPower,
			Params:       []RuleActionParam{{ParamTypeID: ptPower, Value: true}},
		}},
	}
	if got := e.AddRule(lampOnly); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	if got := e.FindRules(devHeat); len(got) != 1 || got[0] != ruleOne {
		t.Errorf("FindRules(heat) = %v, want [%v]", got, ruleOne)
	}
	if got := e.FindRules(devLamp); len(got) != 2 {
		t.Errorf("FindRules(lamp) = %v, want both rules", got)
	}
}

func TestRemoveDeviceFromRules(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}

	// Pruning the thermostat drops the evaluator but keeps the rule:
	// its actions target the lamp.
	if got := e.RemoveDeviceFromRules(devHeat); !got.OK() {
		t.Fatalf("RemoveDeviceFromRules(heat) = %v", got)
	}
	got, ok := e.Rule(ruleOne)
	if !ok {
		t.Fatal("rule should survive losing its evaluator device")
	}
	if got.StateEvaluator != nil {
		t.Error("evaluator should be pruned away")
	}

	// Pruning the lamp removes the last action, and with it the rule.
	if got := e.RemoveDeviceFromRules(devLamp); !got.OK() {
		t.Fatalf("RemoveDeviceFromRules(lamp) = %v", got)
	}
	if _, ok := e.Rule(ruleOne); ok {
		t.Error("a rule with no actions left should be removed")
	}
}

func TestEngine_PublishesBusSignals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.conf")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	reg := newTestRegistry()
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)
	e := NewEngine(testLogger(), store, reg, &recordingDispatcher{}, bus, time.UTC)

	if got := e.AddRule(tempRule()); !got.OK() {
		t.Fatalf("AddRule() = %v", got)
	}
	reg.setState(devHeat, stTemp, float64(25))
	e.EvaluateEvent(stateChange(devHeat, stTemp, float64(25)))
	if got := e.RemoveRule(ruleOne); !got.OK() {
		t.Fatalf("RemoveRule() = %v", got)
	}

	wantKinds := []string{events.KindRuleAdded, events.KindRuleActiveChanged, events.KindRuleRemoved}
	for _, want := range wantKinds {
		select {
		case got := <-ch:
			if got.Kind != want {
				t.Errorf("bus event = %s, want %s", got.Kind, want)
			}
			if got.Source != events.SourceRules {
				t.Errorf("bus source = %s, want %s", got.Source, events.SourceRules)
			}
		default:
			t.Fatalf("missing bus event %s", want)
		}
	}
}
