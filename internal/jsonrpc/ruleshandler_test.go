package jsonrpc

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// powerAction builds the wire form of "set the power state to value".
func powerAction(value bool) map[string]any {
	return map[string]any{
		"deviceId":     testDevID,
		"actionTypeId": testPowerActionID,
		"ruleActionParams": []any{
			map[string]any{"paramTypeId": testPowerParamID, "value": value},
		},
	}
}

// tempEvaluator builds a single-descriptor evaluator on the temperature
// state.
func tempEvaluator(operator string, value float64) map[string]any {
	return map[string]any{
		"stateDescriptor": map[string]any{
			"deviceId":    testDevID,
			"stateTypeId": testTempStateID,
			"operator":    operator,
			"value":       value,
		},
	}
}

func buttonDescriptor(minCount float64) map[string]any {
	return map[string]any{
		"deviceId":    testDevID,
		"eventTypeId": testButtonEventID,
		"paramDescriptors": []any{
			map[string]any{
				"paramTypeId": testCountParamID,
				"operator":    "ValueOperatorGreaterOrEqual",
				"value":       minCount,
			},
		},
	}
}

func (r *rig) addRule(params map[string]any) string {
	r.t.Helper()
	p := r.success("Rules.AddRule", params)
	if p["ruleError"] != "RuleErrorNoError" {
		r.t.Fatalf("AddRule: ruleError = %v", p["ruleError"])
	}
	return p["ruleId"].(string)
}

func (r *rig) setTemperature(value float64) {
	r.t.Helper()
	p := r.success("Devices.SetStateValue", map[string]any{
		"deviceId": testDevID, "stateTypeId": testTempStateID, "value": value,
	})
	if p["deviceError"] != "DeviceErrorNoError" {
		r.t.Fatalf("SetStateValue: deviceError = %v", p["deviceError"])
	}
}

func TestRules_AddListDetails(t *testing.T) {
	r := newRig(t, false)

	ruleID := r.addRule(map[string]any{
		"name":           "cooling",
		"stateEvaluator": tempEvaluator("ValueOperatorGreater", 25),
		"ruleActions":    []any{powerAction(true)},
	})

	descs := r.success("Rules.GetRules", nil)["ruleDescriptions"].([]any)
	if len(descs) != 1 {
		t.Fatalf("ruleDescriptions length = %d, want 1", len(descs))
	}
	d := descs[0].(map[string]any)
	if d["id"] != ruleID || d["name"] != "cooling" {
		t.Errorf("description = %v, want id %s name cooling", d, ruleID)
	}
	if d["enabled"] != true || d["executable"] != true {
		t.Errorf("enabled/executable = %v/%v, want true/true", d["enabled"], d["executable"])
	}
	if d["active"] != false {
		t.Errorf("active = %v, want false at 21.5 degrees", d["active"])
	}

	p := r.success("Rules.GetRuleDetails", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorNoError" {
		t.Fatalf("ruleError = %v", p["ruleError"])
	}
	rule := p["rule"].(map[string]any)
	if rule["id"] != ruleID || rule["name"] != "cooling" {
		t.Errorf("rule = %v, want id %s name cooling", rule, ruleID)
	}
	sd := rule["stateEvaluator"].(map[string]any)["stateDescriptor"].(map[string]any)
	if sd["stateTypeId"] != testTempStateID || sd["operator"] != "ValueOperatorGreater" {
		t.Errorf("stateDescriptor = %v", sd)
	}
	actions := rule["ruleActions"].([]any)
	if len(actions) != 1 {
		t.Fatalf("ruleActions length = %d, want 1", len(actions))
	}

	p = r.success("Rules.GetRuleDetails", map[string]any{"ruleId": uuid.NewString()})
	if p["ruleError"] != "RuleErrorRuleNotFound" {
		t.Errorf("unknown rule: ruleError = %v, want RuleErrorRuleNotFound", p["ruleError"])
	}
	if _, ok := p["rule"]; ok {
		t.Error("unknown rule reply carries a rule object")
	}
}

func TestRules_AddRuleValidation(t *testing.T) {
	r := newRig(t, false)

	p := r.success("Rules.AddRule", map[string]any{
		"name":           "no actions",
		"stateEvaluator": tempEvaluator("ValueOperatorGreater", 25),
	})
	if p["ruleError"] != "RuleErrorMissingParameter" {
		t.Errorf("no actions: ruleError = %v, want RuleErrorMissingParameter", p["ruleError"])
	}
	if _, ok := p["ruleId"]; ok {
		t.Error("rejected rule reply carries a ruleId")
	}

	// Exit actions only pair with stateful triggers, never event ones.
	p = r.success("Rules.AddRule", map[string]any{
		"name":             "exit on event",
		"eventDescriptors": []any{buttonDescriptor(1)},
		"ruleActions":      []any{powerAction(true)},
		"ruleExitActions":  []any{powerAction(false)},
	})
	if p["ruleError"] != "RuleErrorInvalidRuleFormat" {
		t.Errorf("event rule with exit actions: ruleError = %v, want RuleErrorInvalidRuleFormat", p["ruleError"])
	}

	ghost := uuid.NewString()
	action := powerAction(true)
	action["deviceId"] = ghost
	p = r.success("Rules.AddRule", map[string]any{
		"name":        "ghost device",
		"ruleActions": []any{action},
	})
	if p["ruleError"] != "RuleErrorDeviceNotFound" {
		t.Errorf("unknown device: ruleError = %v, want RuleErrorDeviceNotFound", p["ruleError"])
	}

	if got := len(r.success("Rules.GetRules", nil)["ruleDescriptions"].([]any)); got != 0 {
		t.Errorf("rejected rules were stored anyway, count = %d", got)
	}
}

func TestRules_EditRule(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":           "cooling",
		"stateEvaluator": tempEvaluator("ValueOperatorGreater", 25),
		"ruleActions":    []any{powerAction(true)},
	})

	p := r.success("Rules.EditRule", map[string]any{
		"ruleId":         ruleID,
		"name":           "heating",
		"stateEvaluator": tempEvaluator("ValueOperatorLess", 18),
		"ruleActions":    []any{powerAction(true)},
	})
	if p["ruleError"] != "RuleErrorNoError" {
		t.Fatalf("EditRule: ruleError = %v", p["ruleError"])
	}
	rule := r.success("Rules.GetRuleDetails", map[string]any{"ruleId": ruleID})["rule"].(map[string]any)
	if rule["name"] != "heating" {
		t.Errorf("name after edit = %v, want heating", rule["name"])
	}
	sd := rule["stateEvaluator"].(map[string]any)["stateDescriptor"].(map[string]any)
	if sd["operator"] != "ValueOperatorLess" {
		t.Errorf("operator after edit = %v, want ValueOperatorLess", sd["operator"])
	}

	// A rejected edit leaves the stored rule untouched.
	p = r.success("Rules.EditRule", map[string]any{"ruleId": ruleID, "name": "broken"})
	if p["ruleError"] != "RuleErrorMissingParameter" {
		t.Fatalf("actionless edit: ruleError = %v, want RuleErrorMissingParameter", p["ruleError"])
	}
	rule = r.success("Rules.GetRuleDetails", map[string]any{"ruleId": ruleID})["rule"].(map[string]any)
	if rule["name"] != "heating" {
		t.Errorf("name after failed edit = %v, want heating", rule["name"])
	}

	p = r.success("Rules.EditRule", map[string]any{
		"ruleId":      uuid.NewString(),
		"name":        "nobody",
		"ruleActions": []any{powerAction(true)},
	})
	if p["ruleError"] != "RuleErrorRuleNotFound" {
		t.Errorf("unknown rule edit: ruleError = %v, want RuleErrorRuleNotFound", p["ruleError"])
	}
}

func TestRules_RemoveRule(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":        "doomed",
		"ruleActions": []any{powerAction(true)},
	})

	p := r.success("Rules.RemoveRule", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorNoError" {
		t.Fatalf("RemoveRule: ruleError = %v", p["ruleError"])
	}
	if got := len(r.success("Rules.GetRules", nil)["ruleDescriptions"].([]any)); got != 0 {
		t.Errorf("rule count after remove = %d, want 0", got)
	}
	p = r.success("Rules.RemoveRule", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorRuleNotFound" {
		t.Errorf("second remove: ruleError = %v, want RuleErrorRuleNotFound", p["ruleError"])
	}
}

func TestRules_ExecuteActions(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":        "manual power",
		"ruleActions": []any{powerAction(true)},
	})

	p := r.success("Rules.ExecuteActions", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorNoError" {
		t.Fatalf("ExecuteActions: ruleError = %v", p["ruleError"])
	}
	r.waitState(testPowerStateID, true)

	p = r.success("Rules.ExecuteExitActions", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorNoExitActions" {
		t.Errorf("ExecuteExitActions without exit actions: ruleError = %v, want RuleErrorNoExitActions", p["ruleError"])
	}

	locked := r.addRule(map[string]any{
		"name":        "not executable",
		"executable":  false,
		"ruleActions": []any{powerAction(false)},
	})
	p = r.success("Rules.ExecuteActions", map[string]any{"ruleId": locked})
	if p["ruleError"] != "RuleErrorNotExecutable" {
		t.Errorf("ExecuteActions on locked rule: ruleError = %v, want RuleErrorNotExecutable", p["ruleError"])
	}
	r.waitState(testPowerStateID, true)
}

func TestRules_EnableDisable(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":           "cooling",
		"stateEvaluator": tempEvaluator("ValueOperatorGreater", 25),
		"ruleActions":    []any{powerAction(true)},
	})

	p := r.success("Rules.DisableRule", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorNoError" {
		t.Fatalf("DisableRule: ruleError = %v", p["ruleError"])
	}
	rule := r.success("Rules.GetRuleDetails", map[string]any{"ruleId": ruleID})["rule"].(map[string]any)
	if rule["enabled"] != false {
		t.Fatalf("enabled after disable = %v, want false", rule["enabled"])
	}

	// Disabled rules do not react to state changes.
	r.setTemperature(30)
	r.success("JSONRPC.Version", nil)
	time.Sleep(50 * time.Millisecond)
	if v, _ := r.virtual.StateValue(testDevID, testPowerStateID); v != false {
		t.Fatalf("disabled rule dispatched actions, power = %v", v)
	}

	// Enabling recomputes the active flag from current state but does
	// not dispatch actions on its own.
	p = r.success("Rules.EnableRule", map[string]any{"ruleId": ruleID})
	if p["ruleError"] != "RuleErrorNoError" {
		t.Fatalf("EnableRule: ruleError = %v", p["ruleError"])
	}
	r.waitNotification("Rules.RuleActiveChanged", func(p map[string]any) bool {
		return p["ruleId"] == ruleID && p["active"] == true
	})
	if v, _ := r.virtual.StateValue(testDevID, testPowerStateID); v != false {
		t.Fatalf("enable dispatched actions, power = %v", v)
	}

	// A fresh inactive-to-active transition fires the actions.
	r.setTemperature(20)
	r.waitNotification("Rules.RuleActiveChanged", func(p map[string]any) bool {
		return p["ruleId"] == ruleID && p["active"] == false
	})
	r.setTemperature(28)
	r.waitState(testPowerStateID, true)
}

func TestRules_FindRules(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":        "bound",
		"ruleActions": []any{powerAction(true)},
	})

	ids := r.success("Rules.FindRules", map[string]any{"deviceId": testDevID})["ruleIds"].([]any)
	if len(ids) != 1 || ids[0] != ruleID {
		t.Errorf("ruleIds = %v, want [%s]", ids, ruleID)
	}
	ids = r.success("Rules.FindRules", map[string]any{"deviceId": uuid.NewString()})["ruleIds"].([]any)
	if len(ids) != 0 {
		t.Errorf("ruleIds for unknown device = %v, want empty", ids)
	}
}

func TestRules_Notifications(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":        "watched",
		"ruleActions": []any{powerAction(true)},
	})

	added := r.waitNotification("Rules.RuleAdded", nil)
	rule := added["rule"].(map[string]any)
	if rule["id"] != ruleID || rule["name"] != "watched" {
		t.Errorf("RuleAdded rule = %v", rule)
	}

	r.success("Rules.DisableRule", map[string]any{"ruleId": ruleID})
	changed := r.waitNotification("Rules.RuleConfigurationChanged", func(p map[string]any) bool {
		rule, _ := p["rule"].(map[string]any)
		return rule != nil && rule["enabled"] == false
	})
	if changed["rule"].(map[string]any)["id"] != ruleID {
		t.Errorf("RuleConfigurationChanged rule = %v", changed)
	}

	r.success("Rules.RemoveRule", map[string]any{"ruleId": ruleID})
	removed := r.waitNotification("Rules.RuleRemoved", nil)
	if removed["ruleId"] != ruleID {
		t.Errorf("RuleRemoved params = %v", removed)
	}
}

func TestRules_StateRuleFiresThroughDevices(t *testing.T) {
	r := newRig(t, false)
	ruleID := r.addRule(map[string]any{
		"name":            "cooling",
		"stateEvaluator":  tempEvaluator("ValueOperatorGreater", 25),
		"ruleActions":     []any{powerAction(true)},
		"ruleExitActions": []any{powerAction(false)},
	})

	r.setTemperature(30)
	r.waitNotification("Rules.RuleActiveChanged", func(p map[string]any) bool {
		return p["ruleId"] == ruleID && p["active"] == true
	})
	r.waitState(testPowerStateID, true)

	// Dropping below the threshold runs the exit actions.
	r.setTemperature(19)
	r.waitNotification("Rules.RuleActiveChanged", func(p map[string]any) bool {
		return p["ruleId"] == ruleID && p["active"] == false
	})
	r.waitState(testPowerStateID, false)
}

func TestRules_EventRuleFiresOnEmittedEvent(t *testing.T) {
	r := newRig(t, false)
	r.addRule(map[string]any{
		"name":             "double press",
		"eventDescriptors": []any{buttonDescriptor(2)},
		"ruleActions":      []any{powerAction(true)},
	})

	// A single press stays below the descriptor threshold.
	p := r.success("Devices.EmitEvent", map[string]any{
		"deviceId":    testDevID,
		"eventTypeId": testButtonEventID,
		"params":      []any{map[string]any{"paramTypeId": testCountParamID, "value": 1}},
	})
	if p["deviceError"] != "DeviceErrorNoError" {
		t.Fatalf("EmitEvent: deviceError = %v", p["deviceError"])
	}
	r.success("JSONRPC.Version", nil)
	time.Sleep(50 * time.Millisecond)
	if v, _ := r.virtual.StateValue(testDevID, testPowerStateID); v != false {
		t.Fatalf("below-threshold event fired the rule, power = %v", v)
	}

	p = r.success("Devices.EmitEvent", map[string]any{
		"deviceId":    testDevID,
		"eventTypeId": testButtonEventID,
		"params":      []any{map[string]any{"paramTypeId": testCountParamID, "value": 3}},
	})
	if p["deviceError"] != "DeviceErrorNoError" {
		t.Fatalf("EmitEvent: deviceError = %v", p["deviceError"])
	}
	r.waitState(testPowerStateID, true)
}
