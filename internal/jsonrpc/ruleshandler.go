package jsonrpc

import (
	"encoding/json"

	"github.com/hearthd/hearthd/internal/rules"
	"github.com/hearthd/hearthd/internal/types"
)

// NewRulesHandler builds the Rules namespace over the engine: rule CRUD,
// enabling and disabling, manual action execution, and device lookups.
func NewRulesHandler(engine *rules.Engine) *Handler {
	h := NewHandler("Rules")

	h.RegisterMethod("GetRules",
		"List all rules as short descriptions.",
		Schema{},
		Schema{"ruleDescriptions": []any{"$ref:RuleDescription"}},
		func(c *CallContext) *Reply {
			all := engine.Rules()
			descs := make([]any, 0, len(all))
			for _, r := range all {
				descs = append(descs, map[string]any{
					"id":         r.ID,
					"name":       r.Name,
					"enabled":    r.Enabled,
					"active":     r.Active,
					"executable": r.Executable,
				})
			}
			return Sync(map[string]any{"ruleDescriptions": descs})
		})

	h.RegisterMethod("GetRuleDetails",
		"Return the full definition of one rule.",
		Schema{"ruleId": "Uuid"},
		Schema{"ruleError": "$ref:RuleError", "o:rule": "$ref:Rule"},
		func(c *CallContext) *Reply {
			r, ok := engine.Rule(types.RuleID(c.Params["ruleId"].(string)))
			if !ok {
				return Sync(map[string]any{"ruleError": rules.RuleErrorRuleNotFound})
			}
			rule, ok := wireValue(r)
			if !ok {
				return Sync(map[string]any{"ruleError": rules.RuleErrorBackendError})
			}
			return Sync(map[string]any{"ruleError": rules.RuleErrorNoError, "rule": rule})
		})

	h.RegisterMethod("AddRule",
		"Add a rule. The rule fields are the params themselves; enabled and executable default to true. Returns the generated rule id.",
		ruleParamsSchema(false),
		Schema{"ruleError": "$ref:RuleError", "o:ruleId": "Uuid"},
		func(c *CallContext) *Reply {
			r, err := ruleFromParams(c.Params)
			if err != nil {
				return Sync(map[string]any{"ruleError": rules.RuleErrorInvalidRuleFormat})
			}
			r.ID = types.NewRuleID()
			if rerr := engine.AddRule(r); !rerr.OK() {
				return Sync(map[string]any{"ruleError": rerr})
			}
			return Sync(map[string]any{"ruleError": rules.RuleErrorNoError, "ruleId": r.ID})
		})

	h.RegisterMethod("EditRule",
		"Replace a rule's definition, keeping its id and evaluation position. A failed edit leaves the old rule untouched.",
		ruleParamsSchema(true),
		Schema{"ruleError": "$ref:RuleError"},
		func(c *CallContext) *Reply {
			r, err := ruleFromParams(c.Params)
			if err != nil {
				return Sync(map[string]any{"ruleError": rules.RuleErrorInvalidRuleFormat})
			}
			r.ID = types.RuleID(c.Params["ruleId"].(string))
			return Sync(map[string]any{"ruleError": engine.EditRule(r)})
		})

	byID := func(name, description string, fn func(types.RuleID) rules.RuleError) {
		h.RegisterMethod(name, description,
			Schema{"ruleId": "Uuid"},
			Schema{"ruleError": "$ref:RuleError"},
			func(c *CallContext) *Reply {
				return Sync(map[string]any{"ruleError": fn(types.RuleID(c.Params["ruleId"].(string)))})
			})
	}
	byID("RemoveRule", "Remove a rule.", engine.RemoveRule)
	byID("EnableRule", "Enable a rule. Enabling recomputes the active flag but never fires actions.", engine.EnableRule)
	byID("DisableRule", "Disable a rule. A disabled rule is skipped by evaluation.", engine.DisableRule)
	byID("ExecuteActions", "Run a rule's actions now. The rule must be executable and free of event-bound params.", engine.ExecuteActions)
	byID("ExecuteExitActions", "Run a rule's exit actions now. The rule must be executable and have exit actions.", engine.ExecuteExitActions)

	h.RegisterMethod("FindRules",
		"List the ids of rules referencing a device in any descriptor or action.",
		Schema{"deviceId": "Uuid"},
		Schema{"ruleIds": []any{"Uuid"}},
		func(c *CallContext) *Reply {
			ids := engine.FindRules(types.DeviceID(c.Params["deviceId"].(string)))
			list := make([]any, 0, len(ids))
			for _, id := range ids {
				list = append(list, id)
			}
			return Sync(map[string]any{"ruleIds": list})
		})

	h.RegisterNotification("RuleAdded", "A rule was added.", Schema{"rule": "$ref:Rule"})
	h.RegisterNotification("RuleRemoved", "A rule was removed.", Schema{"ruleId": "Uuid"})
	h.RegisterNotification("RuleConfigurationChanged", "A rule's definition or enabled flag changed.", Schema{"rule": "$ref:Rule"})
	h.RegisterNotification("RuleActiveChanged", "A rule entered or left the active state.", Schema{"ruleId": "Uuid", "active": "Bool"})

	return h
}

// ruleParamsSchema is the flat rule shape AddRule and EditRule accept.
// Everything is optional so that incomplete rules reach the engine and
// fail with a typed RuleError instead of a params error.
func ruleParamsSchema(withID bool) Schema {
	s := Schema{
		"o:name":             "String",
		"o:enabled":          "Bool",
		"o:executable":       "Bool",
		"o:eventDescriptors": []any{"$ref:EventDescriptor"},
		"o:stateEvaluator":   "$ref:StateEvaluator",
		"o:timeDescriptor":   "$ref:TimeDescriptor",
		"o:ruleActions":      []any{"$ref:RuleAction"},
		"o:ruleExitActions":  []any{"$ref:RuleAction"},
	}
	if withID {
		s["ruleId"] = "Uuid"
	}
	return s
}

// ruleFromParams decodes the flat rule params into a Rule. enabled and
// executable default to true when omitted; the id is the caller's to
// set.
func ruleFromParams(params map[string]any) (rules.Rule, error) {
	fields := make(map[string]any, len(params))
	for k, v := range params {
		if k == "ruleId" {
			continue
		}
		fields[k] = v
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return rules.Rule{}, err
	}
	var r rules.Rule
	if err := json.Unmarshal(raw, &r); err != nil {
		return rules.Rule{}, err
	}
	if _, ok := params["enabled"]; !ok {
		r.Enabled = true
	}
	if _, ok := params["executable"]; !ok {
		r.Executable = true
	}
	return r, nil
}
