// Package types defines the identifier kinds, value types, and parameter
// model shared by the device registry, rule engine, and RPC layer.
package types

import "github.com/google/uuid"

// newID generates a UUIDv7 string so freshly minted ids sort by creation
// time. Falls back to UUIDv4 if the system clock is unavailable.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// validUUID reports whether s parses as a UUID.
func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// The identifier kinds below are distinct types on purpose: a DeviceID
// never flows into a parameter expecting a RuleID, even though both are
// UUID strings on the wire. The zero value means "no id".

// RuleID identifies a rule.
type RuleID string

// NewRuleID returns a fresh RuleID.
func NewRuleID() RuleID { return RuleID(newID()) }

// IsZero reports whether the id is unset.
func (id RuleID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id RuleID) Valid() bool { return validUUID(string(id)) }

func (id RuleID) String() string { return string(id) }

// DeviceID identifies a device held by the registry.
type DeviceID string

// NewDeviceID returns a fresh DeviceID.
func NewDeviceID() DeviceID { return DeviceID(newID()) }

// IsZero reports whether the id is unset.
func (id DeviceID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id DeviceID) Valid() bool { return validUUID(string(id)) }

func (id DeviceID) String() string { return string(id) }

// EventTypeID identifies an event type of a device.
type EventTypeID string

// NewEventTypeID returns a fresh EventTypeID.
func NewEventTypeID() EventTypeID { return EventTypeID(newID()) }

// IsZero reports whether the id is unset.
func (id EventTypeID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id EventTypeID) Valid() bool { return validUUID(string(id)) }

func (id EventTypeID) String() string { return string(id) }

// ActionTypeID identifies an action type of a device.
type ActionTypeID string

// NewActionTypeID returns a fresh ActionTypeID.
func NewActionTypeID() ActionTypeID { return ActionTypeID(newID()) }

// IsZero reports whether the id is unset.
func (id ActionTypeID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id ActionTypeID) Valid() bool { return validUUID(string(id)) }

func (id ActionTypeID) String() string { return string(id) }

// StateTypeID identifies a state type of a device. A state change is
// published as an event whose EventTypeID carries the same UUID, so the
// two kinds convert explicitly where that identity matters.
type StateTypeID string

// NewStateTypeID returns a fresh StateTypeID.
func NewStateTypeID() StateTypeID { return StateTypeID(newID()) }

// IsZero reports whether the id is unset.
func (id StateTypeID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id StateTypeID) Valid() bool { return validUUID(string(id)) }

func (id StateTypeID) String() string { return string(id) }

// ParamTypeID identifies a parameter type of an event, action, or state.
type ParamTypeID string

// NewParamTypeID returns a fresh ParamTypeID.
func NewParamTypeID() ParamTypeID { return ParamTypeID(newID()) }

// IsZero reports whether the id is unset.
func (id ParamTypeID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id ParamTypeID) Valid() bool { return validUUID(string(id)) }

func (id ParamTypeID) String() string { return string(id) }

// TokenID identifies an issued authentication token.
type TokenID string

// NewTokenID returns a fresh TokenID.
func NewTokenID() TokenID { return TokenID(newID()) }

// IsZero reports whether the id is unset.
func (id TokenID) IsZero() bool { return id == "" }

// Valid reports whether the id parses as a UUID.
func (id TokenID) Valid() bool { return validUUID(string(id)) }

func (id TokenID) String() string { return string(id) }
