package rules

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hearthd/hearthd/internal/devices"
	"github.com/hearthd/hearthd/internal/events"
	"github.com/hearthd/hearthd/internal/types"
)

// errEventParamUnavailable marks an event-bound action param whose
// source is missing from the triggering event.
var errEventParamUnavailable = errors.New("event param not available")

// Engine owns the rule set: validation, persistence, the active set, and
// the event/time evaluation that decides which rules fire. All methods
// must be called from one goroutine; the server core serializes access.
type Engine struct {
	log        *slog.Logger
	store      *Store
	registry   devices.Registry
	dispatcher devices.Dispatcher
	bus        *events.Bus
	loc        *time.Location

	rules    map[types.RuleID]*Rule
	order    []types.RuleID
	lastEval time.Time
	nowFunc  func() time.Time // injectable for testing; defaults to time.Now
}

// NewEngine loads the persisted rules and prepares them for evaluation.
// Rules referencing vanished devices load with their dangling references
// intact; their evaluators simply read false until the device returns or
// the rule is edited.
func NewEngine(log *slog.Logger, store *Store, registry devices.Registry, dispatcher devices.Dispatcher, bus *events.Bus, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	e := &Engine{
		log:        log,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		bus:        bus,
		loc:        loc,
		rules:      make(map[types.RuleID]*Rule),
		nowFunc:    time.Now,
	}
	for _, r := range store.Rules() {
		rule := r
		e.initRuntimeFlags(&rule)
		e.rules[rule.ID] = &rule
		e.order = append(e.order, rule.ID)
	}
	e.log.Info("rule engine ready", "rules", len(e.order))
	return e
}

// SetLocation changes the zone used for calendar and time-event math.
// Windows are re-evaluated on the next tick.
func (e *Engine) SetLocation(loc *time.Location) {
	if loc != nil {
		e.loc = loc
	}
}

// initRuntimeFlags gives a freshly loaded or added rule its derived
// state: states evaluated now, time-active from the calendar, never
// active until an evaluation tick flips it.
func (e *Engine) initRuntimeFlags(r *Rule) {
	r.StatesActive = r.evaluator().Evaluate(e.registry)
	if len(r.TimeDescriptor.CalendarItems) == 0 {
		r.TimeActive = true
	} else {
		r.TimeActive = r.TimeDescriptor.ContainsTime(e.nowFunc(), e.loc)
	}
	r.Active = false
}

// Rules returns all rules in insertion order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].Clone())
	}
	return out
}

// Rule returns one rule by id.
func (e *Engine) Rule(id types.RuleID) (Rule, bool) {
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return r.Clone(), true
}

// AddRule validates, persists, and inserts a new rule. The rule starts
// inactive; its states/time flags are computed immediately.
func (e *Engine) AddRule(rule Rule) RuleError {
	return e.addRule(rule, false)
}

func (e *Engine) addRule(rule Rule, fromEdit bool) RuleError {
	if !rule.ID.Valid() {
		return RuleErrorInvalidRuleId
	}
	if _, exists := e.rules[rule.ID]; exists {
		return RuleErrorInvalidRuleId
	}
	if ruleErr := e.validateRule(rule); !ruleErr.OK() {
		return ruleErr
	}
	normalizeRule(&rule)
	e.initRuntimeFlags(&rule)
	if err := e.store.SetRule(rule); err != nil {
		e.log.Error("persisting rule failed", "rule_id", rule.ID, "error", err)
		return RuleErrorBackendError
	}
	e.rules[rule.ID] = &rule
	e.order = append(e.order, rule.ID)
	e.log.Info("rule added", "rule_id", rule.ID, "name", rule.Name)
	if !fromEdit {
		e.bus.Publish(events.Event{
			Source: events.SourceRules,
			Kind:   events.KindRuleAdded,
			Data:   map[string]any{"rule_id": rule.ID.String(), "rule": rule.Clone()},
		})
	}
	return RuleErrorNoError
}

// EditRule atomically replaces a rule, keeping its position in the
// evaluation order. The replacement is validated before anything is
// touched, so a failed edit leaves both memory and the store file
// exactly as they were. The edited rule drops out of the active set
// until the next evaluation tick recomputes it.
func (e *Engine) EditRule(rule Rule) RuleError {
	if !rule.ID.Valid() {
		return RuleErrorInvalidRuleId
	}
	if _, exists := e.rules[rule.ID]; !exists {
		return RuleErrorRuleNotFound
	}
	if ruleErr := e.validateRule(rule); !ruleErr.OK() {
		return ruleErr
	}
	normalizeRule(&rule)
	e.initRuntimeFlags(&rule)
	if err := e.store.SetRule(rule); err != nil {
		e.log.Error("persisting rule failed", "rule_id", rule.ID, "error", err)
		return RuleErrorBackendError
	}
	e.rules[rule.ID] = &rule
	e.log.Info("rule edited", "rule_id", rule.ID, "name", rule.Name)
	e.bus.Publish(events.Event{
		Source: events.SourceRules,
		Kind:   events.KindRuleConfigChanged,
		Data:   map[string]any{"rule_id": rule.ID.String(), "rule": rule.Clone()},
	})
	return RuleErrorNoError
}

// RemoveRule deletes a rule from the index, the active set, and the
// store.
func (e *Engine) RemoveRule(id types.RuleID) RuleError {
	return e.removeRule(id, false)
}

func (e *Engine) removeRule(id types.RuleID, fromEdit bool) RuleError {
	if _, exists := e.rules[id]; !exists {
		return RuleErrorRuleNotFound
	}
	if err := e.store.RemoveRule(id); err != nil {
		e.log.Error("removing rule from store failed", "rule_id", id, "error", err)
		return RuleErrorBackendError
	}
	delete(e.rules, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.log.Info("rule removed", "rule_id", id)
	if !fromEdit {
		e.bus.Publish(events.Event{
			Source: events.SourceRules,
			Kind:   events.KindRuleRemoved,
			Data:   map[string]any{"rule_id": id.String()},
		})
	}
	return RuleErrorNoError
}

// EnableRule re-enables a disabled rule and recomputes its active flag
// from the current states and clock. Enabling never dispatches actions;
// the flag change only positions the rule for the next transition.
func (e *Engine) EnableRule(id types.RuleID) RuleError {
	return e.setEnabled(id, true)
}

// DisableRule disables a rule. An active rule deactivates immediately
// without dispatching its exit actions.
func (e *Engine) DisableRule(id types.RuleID) RuleError {
	return e.setEnabled(id, false)
}

func (e *Engine) setEnabled(id types.RuleID, enabled bool) RuleError {
	r, ok := e.rules[id]
	if !ok {
		return RuleErrorRuleNotFound
	}
	if r.Enabled == enabled {
		return RuleErrorNoError
	}
	prev := r.Enabled
	r.Enabled = enabled
	if err := e.store.SetRule(*r); err != nil {
		r.Enabled = prev
		e.log.Error("persisting rule failed", "rule_id", id, "error", err)
		return RuleErrorBackendError
	}
	wasActive := r.Active
	if enabled {
		e.initRuntimeFlags(r)
		if transitionTracked(r) {
			r.Active = r.StatesActive && r.TimeActive
		}
	} else {
		r.Active = false
	}
	if r.Active != wasActive {
		e.publishActiveChanged(r)
	}
	e.log.Info("rule enabled changed", "rule_id", id, "enabled", enabled)
	e.bus.Publish(events.Event{
		Source: events.SourceRules,
		Kind:   events.KindRuleConfigChanged,
		Data:   map[string]any{"rule_id": id.String(), "rule": r.Clone()},
	})
	return RuleErrorNoError
}

// ExecuteActions dispatches a rule's actions on explicit request. The
// rule must be executable and must not contain event-bound params, since
// there is no triggering event to resolve them against.
func (e *Engine) ExecuteActions(id types.RuleID) RuleError {
	r, ok := e.rules[id]
	if !ok {
		return RuleErrorRuleNotFound
	}
	if !r.Executable {
		return RuleErrorNotExecutable
	}
	if r.ContainsEventBasedAction() {
		return RuleErrorContainsEventBasedAction
	}
	e.dispatchActions(r, r.Actions, false, nil)
	return RuleErrorNoError
}

// ExecuteExitActions dispatches a rule's exit actions on explicit
// request.
func (e *Engine) ExecuteExitActions(id types.RuleID) RuleError {
	r, ok := e.rules[id]
	if !ok {
		return RuleErrorRuleNotFound
	}
	if !r.Executable {
		return RuleErrorNotExecutable
	}
	if len(r.ExitActions) == 0 {
		return RuleErrorNoExitActions
	}
	if r.ContainsEventBasedAction() {
		return RuleErrorContainsEventBasedAction
	}
	e.dispatchActions(r, r.ExitActions, true, nil)
	return RuleErrorNoError
}

// transitionTracked reports whether the rule participates in the active
// set. Event-triggered and time-event rules fire one-shot instead.
func transitionTracked(r *Rule) bool {
	return len(r.EventDescriptors) == 0 && len(r.TimeDescriptor.TimeEventItems) == 0
}

// EvaluateEvent runs one device event through every enabled rule, in
// insertion order, and returns snapshots of the rules that transitioned
// or fired. State-change events recompute the states flag of rules whose
// evaluator references the changed state type; rules without triggers of
// their own then transition on the recomputed flags, while
// event-triggered rules fire one-shot when a descriptor matches and the
// state and time gates hold.
func (e *Engine) EvaluateEvent(ev devices.Event) []Rule {
	var out []Rule
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled {
			continue
		}
		if r.evaluator().ContainsStateType(types.StateTypeID(ev.EventTypeID)) {
			r.StatesActive = r.evaluator().Evaluate(e.registry)
		}
		if transitionTracked(r) {
			if snap, changed := e.applyTransition(r); changed {
				out = append(out, snap)
			}
			continue
		}
		if len(r.EventDescriptors) == 0 {
			continue
		}
		if !r.StatesActive || !r.TimeActive {
			continue
		}
		for _, ed := range r.EventDescriptors {
			if ed.Matches(ev, e.registry) {
				e.log.Debug("rule triggered", "rule_id", r.ID, "event_type_id", ev.EventTypeID)
				out = append(out, r.Clone())
				break
			}
		}
	}
	return out
}

// EvaluateTime advances the engine clock one tick and returns snapshots
// of the rules that transitioned or fired. Calendar windows recompute
// the time flag; time events fire when an instance falls inside the
// half-open window since the previous tick.
func (e *Engine) EvaluateTime(now time.Time) []Rule {
	if e.lastEval.IsZero() {
		e.lastEval = now.Add(-time.Second)
	}
	last := e.lastEval
	e.lastEval = now

	var out []Rule
	for _, id := range e.order {
		r := e.rules[id]
		if !r.Enabled || r.TimeDescriptor.IsEmpty() {
			continue
		}
		if len(r.TimeDescriptor.CalendarItems) > 0 {
			r.TimeActive = r.TimeDescriptor.ContainsTime(now, e.loc)
		}
		if len(r.TimeDescriptor.TimeEventItems) == 0 {
			if len(r.EventDescriptors) > 0 {
				continue
			}
			if snap, changed := e.applyTransition(r); changed {
				out = append(out, snap)
			}
			continue
		}
		fired := false
		for _, ti := range r.TimeDescriptor.TimeEventItems {
			if ti.FiresBetween(last, now, e.loc) {
				fired = true
				break
			}
		}
		if fired && r.StatesActive && r.TimeActive {
			e.log.Debug("time event fired", "rule_id", r.ID)
			out = append(out, r.Clone())
		}
	}
	return out
}

// applyTransition flips the rule's active flag when the gates disagree
// with it, returning a snapshot carrying the new flag.
func (e *Engine) applyTransition(r *Rule) (Rule, bool) {
	should := r.StatesActive && r.TimeActive
	if should == r.Active {
		return Rule{}, false
	}
	r.Active = should
	e.log.Debug("rule active changed", "rule_id", r.ID, "active", r.Active)
	e.publishActiveChanged(r)
	return r.Clone(), true
}

func (e *Engine) publishActiveChanged(r *Rule) {
	e.bus.Publish(events.Event{
		Source: events.SourceRules,
		Kind:   events.KindRuleActiveChanged,
		Data:   map[string]any{"rule_id": r.ID.String(), "active": r.Active},
	})
}

// ExecuteTriggered dispatches the actions of rules returned by an
// evaluation pass, in the given order. Rules tracked in the active set
// run their actions on activation and their exit actions on
// deactivation; one-shot rules always run their actions, with
// event-bound params resolved from the triggering event.
func (e *Engine) ExecuteTriggered(triggered []Rule, ev *devices.Event) {
	for i := range triggered {
		r := &triggered[i]
		actions := r.Actions
		exit := false
		if transitionTracked(r) && !r.Active {
			actions = r.ExitActions
			exit = true
		}
		e.bus.Publish(events.Event{
			Source: events.SourceRules,
			Kind:   events.KindRuleTriggered,
			Data:   map[string]any{"rule_id": r.ID.String(), "exit": exit},
		})
		e.dispatchActions(r, actions, exit, ev)
	}
}

// dispatchActions resolves and fires a list of rule actions. The engine
// does not wait for completion; outcomes are logged as they arrive.
func (e *Engine) dispatchActions(r *Rule, actions []RuleAction, exit bool, ev *devices.Event) {
	count := 0
	for _, ra := range actions {
		action, err := resolveAction(ra, ev)
		if err != nil {
			e.log.Warn("skipping rule action", "rule_id", r.ID, "device_id", ra.DeviceID, "error", err)
			continue
		}
		count++
		ruleID := r.ID
		e.dispatcher.ExecuteAction(action, func(err error) {
			if err != nil {
				e.log.Warn("rule action failed", "rule_id", ruleID, "action_type_id", action.ActionTypeID, "error", err)
				return
			}
			e.log.Debug("rule action executed", "rule_id", ruleID, "action_type_id", action.ActionTypeID)
		})
	}
	if count > 0 {
		e.bus.Publish(events.Event{
			Source: events.SourceRules,
			Kind:   events.KindActionsExecuted,
			Data:   map[string]any{"rule_id": r.ID.String(), "exit": exit, "count": count},
		})
	}
}

// FindRules returns, in insertion order, the ids of rules referencing
// the device anywhere.
func (e *Engine) FindRules(deviceID types.DeviceID) []types.RuleID {
	var out []types.RuleID
	for _, id := range e.order {
		if e.rules[id].ContainsDevice(deviceID) {
			out = append(out, id)
		}
	}
	return out
}

// RemoveDeviceFromRules prunes a vanished device out of every rule that
// references it: state descriptors and event descriptors for the device
// disappear, as do actions targeting it. A rule left without actions is
// removed entirely.
func (e *Engine) RemoveDeviceFromRules(deviceID types.DeviceID) RuleError {
	for _, id := range e.FindRules(deviceID) {
		r := e.rules[id]
		pruned := r.Clone()
		if pruned.StateEvaluator != nil {
			se := pruned.StateEvaluator.RemoveDevice(deviceID)
			if se.IsEmpty() {
				pruned.StateEvaluator = nil
			} else {
				pruned.StateEvaluator = &se
			}
		}
		pruned.EventDescriptors = dropDeviceDescriptors(pruned.EventDescriptors, deviceID)
		pruned.Actions = dropDeviceActions(pruned.Actions, deviceID)
		pruned.ExitActions = dropDeviceActions(pruned.ExitActions, deviceID)

		if len(pruned.Actions) == 0 {
			if ruleErr := e.RemoveRule(id); !ruleErr.OK() {
				return ruleErr
			}
			continue
		}
		e.initRuntimeFlags(&pruned)
		if err := e.store.SetRule(pruned); err != nil {
			e.log.Error("persisting rule failed", "rule_id", id, "error", err)
			return RuleErrorBackendError
		}
		*r = pruned
		e.log.Info("device pruned from rule", "rule_id", id, "device_id", deviceID)
		e.bus.Publish(events.Event{
			Source: events.SourceRules,
			Kind:   events.KindRuleConfigChanged,
			Data:   map[string]any{"rule_id": id.String(), "rule": r.Clone()},
		})
	}
	return RuleErrorNoError
}

func dropDeviceDescriptors(in []EventDescriptor, deviceID types.DeviceID) []EventDescriptor {
	var out []EventDescriptor
	for _, ed := range in {
		if ed.DeviceID == deviceID {
			continue
		}
		out = append(out, ed)
	}
	return out
}

func dropDeviceActions(in []RuleAction, deviceID types.DeviceID) []RuleAction {
	var out []RuleAction
	for _, a := range in {
		if a.DeviceID == deviceID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// resolveAction turns a rule action into a concrete device action,
// resolving event-bound params against the triggering event.
func resolveAction(ra RuleAction, ev *devices.Event) (devices.Action, error) {
	action := devices.Action{DeviceID: ra.DeviceID, ActionTypeID: ra.ActionTypeID}
	for _, p := range ra.Params {
		if !p.IsEventBased() {
			action.Params = append(action.Params, types.Param{ParamTypeID: p.ParamTypeID, Value: p.Value})
			continue
		}
		if ev == nil || ev.EventTypeID != p.EventTypeID {
			return devices.Action{}, errEventParamUnavailable
		}
		val, ok := types.ParamValue(ev.Params, p.EventParamTypeID)
		if !ok {
			return devices.Action{}, errEventParamUnavailable
		}
		action.Params = append(action.Params, types.Param{ParamTypeID: p.ParamTypeID, Value: val})
	}
	return action, nil
}

// normalizeRule collapses degenerate shapes before persisting: an empty
// evaluator node is the same as no evaluator at all, and a repeating
// option without a mode means single-shot.
func normalizeRule(r *Rule) {
	if r.StateEvaluator != nil && r.StateEvaluator.IsEmpty() {
		r.StateEvaluator = nil
	}
	for i := range r.TimeDescriptor.CalendarItems {
		if rep := r.TimeDescriptor.CalendarItems[i].Repeating; rep != nil && rep.Mode == "" {
			rep.Mode = RepeatingModeNone
		}
	}
	for i := range r.TimeDescriptor.TimeEventItems {
		if rep := r.TimeDescriptor.TimeEventItems[i].Repeating; rep != nil && rep.Mode == "" {
			rep.Mode = RepeatingModeNone
		}
	}
}
