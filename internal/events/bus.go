// Package events provides a publish/subscribe event bus connecting the
// core subsystems. Events flow from components (rule engine, device
// registry, user manager, cloud channel) to subscribers (JSON-RPC
// notification fanout, audit trail). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRules identifies events from the rule engine.
	SourceRules = "rules"
	// SourceDevices identifies events from the device registry.
	SourceDevices = "devices"
	// SourceUsers identifies events from the user manager.
	SourceUsers = "users"
	// SourceCloud identifies events from the cloud channel.
	SourceCloud = "cloud"
)

// Kind constants describe the type of event within a source.
const (
	// KindRuleAdded signals a rule was added.
	// Data: rule_id, rule (value snapshot).
	KindRuleAdded = "rule_added"
	// KindRuleRemoved signals a rule was removed.
	// Data: rule_id.
	KindRuleRemoved = "rule_removed"
	// KindRuleConfigChanged signals a rule was edited, enabled, or
	// disabled. Data: rule_id, rule (value snapshot).
	KindRuleConfigChanged = "rule_config_changed"
	// KindRuleActiveChanged signals a rule's active flag flipped.
	// Data: rule_id, active.
	KindRuleActiveChanged = "rule_active_changed"
	// KindRuleTriggered signals an event-triggered rule fired.
	// Data: rule_id, event_type_id.
	KindRuleTriggered = "rule_triggered"
	// KindActionsExecuted signals a rule's actions were dispatched.
	// Data: rule_id, exit (bool), count.
	KindActionsExecuted = "actions_executed"

	// KindDeviceEvent signals a device emitted an event.
	// Data: device_id, event_type_id.
	KindDeviceEvent = "device_event"
	// KindStateChanged signals a device state value changed.
	// Data: device_id, state_type_id, value.
	KindStateChanged = "state_changed"

	// KindUserCreated signals a user account was created.
	// Data: username.
	KindUserCreated = "user_created"
	// KindLoginSucceeded signals a password authentication succeeded.
	// Data: username, device_name.
	KindLoginSucceeded = "login_succeeded"
	// KindLoginFailed signals a password authentication failed.
	// Data: username.
	KindLoginFailed = "login_failed"
	// KindTokenRemoved signals a token was revoked.
	// Data: token_id.
	KindTokenRemoved = "token_removed"
	// KindPushButtonRequested signals a push-button transaction opened.
	// Data: transaction_id, device_name.
	KindPushButtonRequested = "push_button_requested"
	// KindPushButtonFinished signals a push-button transaction closed.
	// Data: transaction_id, success.
	KindPushButtonFinished = "push_button_finished"

	// KindCloudConnected signals the cloud channel connection state.
	// Data: connected.
	KindCloudConnected = "cloud_connected"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs. Values crossing
	// goroutines must be snapshots, never live references.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full, drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// the notification and audit consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
