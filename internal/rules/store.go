package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hearthd/hearthd/internal/types"
)

// Store persists rules to a single file, one section per rule. The
// on-disk format is a keyed hierarchy: a `[<ruleId>]` header per rule
// followed by slash-separated key paths with JSON-literal values, e.g.
//
//	[7e2f6c24-0e6f-4b8a-a7a8-1a2b3c4d5e6f]
//	name = "Heating on"
//	enabled = true
//	timeDescriptor/calendarItems/CalendarItem-0/startTime = "08:00"
//
// Writes replace the whole file through a tmp+rename, so a kill between
// writes never leaves a torn file. Sections keep their order across
// rewrites; keys the schema does not know are carried along untouched,
// so newer versions of the file survive a round trip through this one.
type Store struct {
	path   string
	groups []*group
	index  map[string]*group
}

// group is one `[id]` section with its keys in file order.
type group struct {
	id   string
	keys []string
	vals map[string]string
}

// OpenStore loads the rule store at path. A missing file yields an empty
// store; the file is created on the first write.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, index: make(map[string]*group)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules store: %w", err)
	}
	groups, err := parseStoreFile(data)
	if err != nil {
		return nil, fmt.Errorf("rules store %s: %w", path, err)
	}
	s.groups = groups
	for _, g := range groups {
		s.index[g.id] = g
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Rules returns every stored rule in file order. Sections whose name is
// not a rule id are skipped here but preserved on disk.
func (s *Store) Rules() []Rule {
	var out []Rule
	for _, g := range s.groups {
		id := types.RuleID(g.id)
		if !id.Valid() {
			continue
		}
		out = append(out, parseRuleGroup(id, g))
	}
	return out
}

// SetRule writes the rule's section, replacing an existing section in
// place or appending a new one, then rewrites the file atomically. On a
// write failure the in-memory state rolls back, so memory always mirrors
// the file.
func (s *Store) SetRule(r Rule) error {
	fresh := serializeRule(r)
	prevGroups := s.groups
	old, existed := s.index[string(r.ID)]
	if existed {
		mergeForeignKeys(fresh, old)
		next := make([]*group, len(prevGroups))
		copy(next, prevGroups)
		for i, g := range next {
			if g == old {
				next[i] = fresh
			}
		}
		s.groups = next
	} else {
		s.groups = append(prevGroups[:len(prevGroups):len(prevGroups)], fresh)
	}
	s.index[fresh.id] = fresh
	if err := s.save(); err != nil {
		s.groups = prevGroups
		if existed {
			s.index[old.id] = old
		} else {
			delete(s.index, fresh.id)
		}
		return err
	}
	return nil
}

// RemoveRule drops the rule's section and rewrites the file. Removing an
// absent rule is a no-op.
func (s *Store) RemoveRule(id types.RuleID) error {
	old, ok := s.index[string(id)]
	if !ok {
		return nil
	}
	prev := s.groups
	next := make([]*group, 0, len(prev)-1)
	for _, g := range prev {
		if g != old {
			next = append(next, g)
		}
	}
	s.groups = next
	delete(s.index, string(id))
	if err := s.save(); err != nil {
		s.groups = prev
		s.index[string(id)] = old
		return err
	}
	return nil
}

func (s *Store) save() error {
	var b strings.Builder
	for i, g := range s.groups {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]\n", g.id)
		for _, k := range g.keys {
			fmt.Fprintf(&b, "%s = %s\n", k, g.vals[k])
		}
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("rules store: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("rules store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rules store: %w", err)
	}
	return nil
}

// mergeForeignKeys carries keys outside the schema from the old section
// into the fresh one, keeping their relative order after the schema keys.
func mergeForeignKeys(fresh, old *group) {
	for _, k := range old.keys {
		if schemaKey(k) {
			continue
		}
		if _, exists := fresh.vals[k]; exists {
			continue
		}
		fresh.keys = append(fresh.keys, k)
		fresh.vals[k] = old.vals[k]
	}
}

func parseStoreFile(data []byte) ([]*group, error) {
	var groups []*group
	var cur *group
	for ln, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			cur = &group{id: strings.TrimSpace(line[1 : len(line)-1]), vals: make(map[string]string)}
			groups = append(groups, cur)
			continue
		}
		key, raw, ok := strings.Cut(line, "=")
		if !ok || cur == nil {
			return nil, fmt.Errorf("malformed line %d: %q", ln+1, line)
		}
		key = strings.TrimSpace(key)
		if _, dup := cur.vals[key]; !dup {
			cur.keys = append(cur.keys, key)
		}
		cur.vals[key] = strings.TrimSpace(raw)
	}
	return groups, nil
}

// serialization

type groupWriter struct {
	g *group
}

func (w *groupWriter) put(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, dup := w.g.vals[key]; !dup {
		w.g.keys = append(w.g.keys, key)
	}
	w.g.vals[key] = string(raw)
}

func serializeRule(r Rule) *group {
	g := &group{id: string(r.ID), vals: make(map[string]string)}
	w := &groupWriter{g: g}
	w.put("name", r.Name)
	w.put("enabled", r.Enabled)
	w.put("executable", r.Executable)
	for i, ci := range r.TimeDescriptor.CalendarItems {
		p := fmt.Sprintf("timeDescriptor/calendarItems/CalendarItem-%d/", i)
		if ci.DateTime != nil {
			w.put(p+"dateTime", *ci.DateTime)
		}
		if ci.StartTime != "" {
			w.put(p+"startTime", ci.StartTime)
		}
		w.put(p+"duration", ci.Duration)
		serializeRepeating(w, p, ci.Repeating)
	}
	for i, ti := range r.TimeDescriptor.TimeEventItems {
		p := fmt.Sprintf("timeDescriptor/timeEventItems/TimeEventItem-%d/", i)
		if ti.DateTime != nil {
			w.put(p+"dateTime", *ti.DateTime)
		}
		if ti.Time != "" {
			w.put(p+"time", ti.Time)
		}
		serializeRepeating(w, p, ti.Repeating)
	}
	for i, ed := range r.EventDescriptors {
		p := fmt.Sprintf("events/EventDescriptor-%d/", i)
		if ed.IsDeviceBound() {
			w.put(p+"deviceId", ed.DeviceID)
			w.put(p+"eventTypeId", ed.EventTypeID)
		} else {
			w.put(p+"interface", ed.Interface)
			w.put(p+"interfaceEvent", ed.InterfaceEvent)
		}
		for _, pd := range ed.ParamDescriptors {
			pp := fmt.Sprintf("%sParamDescriptor-%s/", p, pd.ParamTypeID)
			w.put(pp+"value", pd.Value)
			w.put(pp+"operator", pd.Operator)
		}
	}
	if r.StateEvaluator != nil {
		serializeEvaluator(w, "stateEvaluator/", *r.StateEvaluator)
	}
	serializeActions(w, "ruleActions/", r.Actions)
	serializeActions(w, "ruleExitActions/", r.ExitActions)
	return g
}

func serializeRepeating(w *groupWriter, prefix string, rep *RepeatingOption) {
	if rep == nil {
		return
	}
	w.put(prefix+"mode", rep.Mode)
	if len(rep.WeekDays) > 0 {
		w.put(prefix+"weekDays", rep.WeekDays)
	}
	if len(rep.MonthDays) > 0 {
		w.put(prefix+"monthDays", rep.MonthDays)
	}
}

func serializeEvaluator(w *groupWriter, prefix string, se StateEvaluator) {
	if se.StateDescriptor != nil {
		sd := se.StateDescriptor
		w.put(prefix+"stateDescriptor/stateTypeId", sd.StateTypeID)
		w.put(prefix+"stateDescriptor/deviceId", sd.DeviceID)
		w.put(prefix+"stateDescriptor/value", sd.Value)
		w.put(prefix+"stateDescriptor/operator", sd.Operator)
	}
	if se.Operator != "" {
		w.put(prefix+"operator", se.Operator)
	}
	for i, child := range se.ChildEvaluators {
		serializeEvaluator(w, fmt.Sprintf("%schildEvaluators/stateEvaluator-%d/", prefix, i), child)
	}
}

func serializeActions(w *groupWriter, prefix string, actions []RuleAction) {
	for i, a := range actions {
		p := fmt.Sprintf("%s%d/", prefix, i)
		w.put(p+"deviceId", a.DeviceID)
		w.put(p+"actionTypeId", a.ActionTypeID)
		for _, ap := range a.Params {
			pp := fmt.Sprintf("%sRuleActionParam-%s/", p, ap.ParamTypeID)
			if ap.IsEventBased() {
				w.put(pp+"eventTypeId", ap.EventTypeID)
				w.put(pp+"eventParamTypeId", ap.EventParamTypeID)
			} else {
				w.put(pp+"value", ap.Value)
			}
		}
	}
}

// parsing

// node is the key hierarchy of one section, rebuilt from the flat paths.
type node struct {
	leaves   map[string]string
	children map[string]*node
	childOrd []string
}

type namedNode struct {
	name string
	n    *node
}

func newNode() *node {
	return &node{leaves: make(map[string]string), children: make(map[string]*node)}
}

func buildTree(g *group) *node {
	root := newNode()
	for _, k := range g.keys {
		segs := strings.Split(k, "/")
		cur := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := cur.children[seg]
			if !ok {
				child = newNode()
				cur.children[seg] = child
				cur.childOrd = append(cur.childOrd, seg)
			}
			cur = child
		}
		cur.leaves[segs[len(segs)-1]] = g.vals[k]
	}
	return root
}

func (n *node) child(name string) *node {
	if n == nil {
		return nil
	}
	return n.children[name]
}

func (n *node) val(key string) (any, bool) {
	raw, ok := n.leaves[key]
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, false
	}
	return v, true
}

func (n *node) str(key string) string {
	v, ok := n.val(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (n *node) boolean(key string) bool {
	v, ok := n.val(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (n *node) intval(key string) (int64, bool) {
	v, ok := n.val(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func (n *node) intSlice(key string) []int {
	raw, ok := n.leaves[key]
	if !ok {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// tagged returns children named `<prefix>-<suffix>` in file order.
func (n *node) tagged(prefix string) []namedNode {
	if n == nil {
		return nil
	}
	var out []namedNode
	for _, name := range n.childOrd {
		if rest, ok := strings.CutPrefix(name, prefix+"-"); ok {
			out = append(out, namedNode{name: rest, n: n.children[name]})
		}
	}
	return out
}

// indexed returns children named `<prefix>-<i>` sorted by index.
func (n *node) indexed(prefix string) []namedNode {
	out := n.tagged(prefix)
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].name)
		b, _ := strconv.Atoi(out[j].name)
		return a < b
	})
	return out
}

// numbered returns children with bare numeric names sorted by index.
func (n *node) numbered() []namedNode {
	var out []namedNode
	for _, name := range n.childOrd {
		if _, err := strconv.Atoi(name); err == nil {
			out = append(out, namedNode{name: name, n: n.children[name]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].name)
		b, _ := strconv.Atoi(out[j].name)
		return a < b
	})
	return out
}

func parseRuleGroup(id types.RuleID, g *group) Rule {
	root := buildTree(g)
	r := Rule{
		ID:         id,
		Name:       root.str("name"),
		Enabled:    root.boolean("enabled"),
		Executable: root.boolean("executable"),
	}
	if td := root.child("timeDescriptor"); td != nil {
		for _, item := range td.child("calendarItems").indexed("CalendarItem") {
			r.TimeDescriptor.CalendarItems = append(r.TimeDescriptor.CalendarItems, parseCalendarItem(item.n))
		}
		for _, item := range td.child("timeEventItems").indexed("TimeEventItem") {
			r.TimeDescriptor.TimeEventItems = append(r.TimeDescriptor.TimeEventItems, parseTimeEventItem(item.n))
		}
	}
	for _, item := range root.child("events").indexed("EventDescriptor") {
		r.EventDescriptors = append(r.EventDescriptors, parseEventDescriptorNode(item.n))
	}
	if sev := root.child("stateEvaluator"); sev != nil {
		se := parseEvaluatorNode(sev)
		if !se.IsEmpty() {
			r.StateEvaluator = &se
		}
	}
	if acts := root.child("ruleActions"); acts != nil {
		r.Actions = parseActionsNode(acts)
	}
	if acts := root.child("ruleExitActions"); acts != nil {
		r.ExitActions = parseActionsNode(acts)
	}
	return r
}

func parseRepeating(n *node) *RepeatingOption {
	mode := n.str("mode")
	if mode == "" {
		return nil
	}
	return &RepeatingOption{
		Mode:      RepeatingMode(mode),
		WeekDays:  n.intSlice("weekDays"),
		MonthDays: n.intSlice("monthDays"),
	}
}

func parseCalendarItem(n *node) CalendarItem {
	ci := CalendarItem{StartTime: n.str("startTime"), Repeating: parseRepeating(n)}
	if v, ok := n.intval("dateTime"); ok {
		ci.DateTime = &v
	}
	if v, ok := n.intval("duration"); ok {
		ci.Duration = int(v)
	}
	return ci
}

func parseTimeEventItem(n *node) TimeEventItem {
	ti := TimeEventItem{Time: n.str("time"), Repeating: parseRepeating(n)}
	if v, ok := n.intval("dateTime"); ok {
		ti.DateTime = &v
	}
	return ti
}

func parseEventDescriptorNode(n *node) EventDescriptor {
	ed := EventDescriptor{
		EventTypeID:    types.EventTypeID(n.str("eventTypeId")),
		DeviceID:       types.DeviceID(n.str("deviceId")),
		Interface:      n.str("interface"),
		InterfaceEvent: n.str("interfaceEvent"),
	}
	for _, pd := range n.tagged("ParamDescriptor") {
		desc := types.ParamDescriptor{
			ParamTypeID: types.ParamTypeID(pd.name),
			Operator:    types.ValueOperator(pd.n.str("operator")),
		}
		if v, ok := pd.n.val("value"); ok {
			desc.Value = v
		}
		ed.ParamDescriptors = append(ed.ParamDescriptors, desc)
	}
	return ed
}

func parseEvaluatorNode(n *node) StateEvaluator {
	se := StateEvaluator{Operator: StateOperator(n.str("operator"))}
	if sd := n.child("stateDescriptor"); sd != nil {
		desc := StateDescriptor{
			StateTypeID: types.StateTypeID(sd.str("stateTypeId")),
			DeviceID:    types.DeviceID(sd.str("deviceId")),
			Operator:    types.ValueOperator(sd.str("operator")),
		}
		if v, ok := sd.val("value"); ok {
			desc.Value = v
		}
		se.StateDescriptor = &desc
	}
	if kids := n.child("childEvaluators"); kids != nil {
		for _, item := range kids.indexed("stateEvaluator") {
			se.ChildEvaluators = append(se.ChildEvaluators, parseEvaluatorNode(item.n))
		}
	}
	return se
}

func parseActionsNode(n *node) []RuleAction {
	var out []RuleAction
	for _, item := range n.numbered() {
		a := RuleAction{
			DeviceID:     types.DeviceID(item.n.str("deviceId")),
			ActionTypeID: types.ActionTypeID(item.n.str("actionTypeId")),
		}
		for _, ap := range item.n.tagged("RuleActionParam") {
			param := RuleActionParam{
				ParamTypeID:      types.ParamTypeID(ap.name),
				EventTypeID:      types.EventTypeID(ap.n.str("eventTypeId")),
				EventParamTypeID: types.ParamTypeID(ap.n.str("eventParamTypeId")),
			}
			if v, ok := ap.n.val("value"); ok {
				param.Value = v
			}
			a.Params = append(a.Params, param)
		}
		out = append(out, a)
	}
	return out
}

// schemaKey reports whether a key path belongs to the rule layout this
// version writes. Anything else is foreign and survives rewrites.
func schemaKey(key string) bool {
	segs := strings.Split(key, "/")
	switch segs[0] {
	case "name", "enabled", "executable":
		return len(segs) == 1
	case "timeDescriptor":
		if len(segs) != 4 {
			return false
		}
		switch {
		case segs[1] == "calendarItems" && hasTag(segs[2], "CalendarItem"):
			return oneOf(segs[3], "dateTime", "startTime", "duration", "mode", "weekDays", "monthDays")
		case segs[1] == "timeEventItems" && hasTag(segs[2], "TimeEventItem"):
			return oneOf(segs[3], "dateTime", "time", "mode", "weekDays", "monthDays")
		}
		return false
	case "events":
		if len(segs) < 3 || !hasTag(segs[1], "EventDescriptor") {
			return false
		}
		if len(segs) == 3 {
			return oneOf(segs[2], "deviceId", "eventTypeId", "interface", "interfaceEvent")
		}
		return len(segs) == 4 && hasTag(segs[2], "ParamDescriptor") && oneOf(segs[3], "value", "operator")
	case "stateEvaluator":
		return evaluatorKey(segs[1:])
	case "ruleActions", "ruleExitActions":
		if len(segs) < 3 || !isIndex(segs[1]) {
			return false
		}
		if len(segs) == 3 {
			return oneOf(segs[2], "deviceId", "actionTypeId")
		}
		return len(segs) == 4 && hasTag(segs[2], "RuleActionParam") &&
			oneOf(segs[3], "value", "eventTypeId", "eventParamTypeId")
	}
	return false
}

func evaluatorKey(rest []string) bool {
	switch {
	case len(rest) == 1 && rest[0] == "operator":
		return true
	case len(rest) == 2 && rest[0] == "stateDescriptor":
		return oneOf(rest[1], "stateTypeId", "deviceId", "value", "operator")
	case len(rest) > 2 && rest[0] == "childEvaluators" && hasTag(rest[1], "stateEvaluator"):
		return evaluatorKey(rest[2:])
	}
	return false
}

func hasTag(s, prefix string) bool {
	return strings.HasPrefix(s, prefix+"-")
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func oneOf(s string, opts ...string) bool {
	for _, o := range opts {
		if s == o {
			return true
		}
	}
	return false
}
