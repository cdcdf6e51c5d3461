// Package jsonrpc implements the namespaced JSON-RPC protocol hearthd
// speaks over its transports: one JSON object per message, typed request
// and reply envelopes, schema-validated params and returns, server-push
// notifications, and the token authentication gate. The protocol is the
// server's own dialect, not JSON-RPC 2.0.
package jsonrpc

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// ProtocolVersion is bumped whenever the API surface changes shape.
const ProtocolVersion = "30"

// Schema describes the JSON shape of a params or returns object. Values
// are templates:
//
//	"String", "Int", "Uint", "Double", "Bool", "Uuid", "Variant",
//	"Object"            basic JSON types
//	"$ref:Name"         a type registered in Types
//	map[string]any      a nested object template
//	[]any with 1 elem   an array, every element matching the template
//	[]any with >1 elems an enum of the listed string values
//
// Map keys carry an "o:" prefix when the key is optional.
type Schema map[string]any

// Types is the registry of named templates reachable through "$ref:".
// Introspection publishes it verbatim.
type Types map[string]any

// refPrefix marks a template string as a type reference.
const refPrefix = "$ref:"

// optionalPrefix marks an object template key as optional.
const optionalPrefix = "o:"

// ValidateParams checks a params object against a schema. The returned
// error text names the offending key, it is sent to clients verbatim.
func (t Types) ValidateParams(schema Schema, params map[string]any) error {
	return t.validateObject("", map[string]any(schema), params)
}

func (t Types) validateObject(path string, template, value map[string]any) error {
	seen := make(map[string]struct{}, len(value))
	for key, sub := range template {
		name := strings.TrimPrefix(key, optionalPrefix)
		optional := name != key
		v, ok := value[name]
		if !ok {
			if optional {
				continue
			}
			return fmt.Errorf("missing key %q", joinPath(path, name))
		}
		seen[name] = struct{}{}
		if err := t.validateValue(joinPath(path, name), sub, v); err != nil {
			return err
		}
	}
	for key := range value {
		if _, ok := seen[key]; !ok {
			return fmt.Errorf("unexpected key %q", joinPath(path, key))
		}
	}
	return nil
}

func (t Types) validateValue(path string, template, value any) error {
	switch tmpl := template.(type) {
	case string:
		if name, ok := strings.CutPrefix(tmpl, refPrefix); ok {
			resolved, found := t[name]
			if !found {
				return fmt.Errorf("%s: unknown type reference %q", path, name)
			}
			return t.validateValue(path, resolved, value)
		}
		return validateBasic(path, tmpl, value)
	case map[string]any:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected an object", path)
		}
		return t.validateObject(path, tmpl, obj)
	case Schema:
		return t.validateValue(path, map[string]any(tmpl), value)
	case []any:
		if len(tmpl) > 1 {
			return validateEnum(path, tmpl, value)
		}
		list, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected a list", path)
		}
		for i, elem := range list {
			if err := t.validateValue(fmt.Sprintf("%s[%d]", path, i), tmpl[0], elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: malformed schema template %T", path, template)
	}
}

func validateBasic(path, typeName string, value any) error {
	switch typeName {
	case "Variant":
		return nil
	case "String":
		if _, ok := asString(value); !ok {
			return fmt.Errorf("%s: expected a string", path)
		}
	case "Uuid":
		s, ok := asString(value)
		if !ok {
			return fmt.Errorf("%s: expected a uuid string", path)
		}
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("%s: %q is not a uuid", path, s)
		}
	case "Bool":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected a bool", path)
		}
	case "Int":
		if _, ok := asInteger(value); !ok {
			return fmt.Errorf("%s: expected an integer", path)
		}
	case "Uint":
		n, ok := asInteger(value)
		if !ok || n < 0 {
			return fmt.Errorf("%s: expected a non-negative integer", path)
		}
	case "Double":
		if !isNumber(value) {
			return fmt.Errorf("%s: expected a number", path)
		}
	case "Object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("%s: expected an object", path)
		}
	default:
		return fmt.Errorf("%s: malformed schema type %q", path, typeName)
	}
	return nil
}

func validateEnum(path string, allowed []any, value any) error {
	s, ok := asString(value)
	if !ok {
		return fmt.Errorf("%s: expected an enum string", path)
	}
	for _, a := range allowed {
		if a == s {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not an allowed value", path, s)
}

// asString widens plain strings and named string types. Handlers pack
// identifier and enum types straight into reply maps, so the validator
// sees values like RuleError or types.DeviceID, not bare strings.
func asString(value any) (string, bool) {
	if s, ok := value.(string); ok {
		return s, true
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.String {
		return v.String(), true
	}
	return "", false
}

// asInteger widens the numeric shapes JSON decoding and native packing
// produce, rejecting fractional doubles.
func asInteger(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int32, int64, float64:
		return true
	default:
		return false
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "/" + key
}

// enum builds an enum template from wire constant names.
func enum(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// builtinTypes returns the registry of named types the handlers
// reference. The shapes mirror the JSON encoding of the corresponding Go
// structs, so packed values always validate.
func builtinTypes() Types {
	return Types{
		"UserError": enum(
			"UserErrorNoError", "UserErrorBackendError", "UserErrorInvalidUserId",
			"UserErrorDuplicateUserId", "UserErrorBadPassword", "UserErrorTokenNotFound",
			"UserErrorPermissionDenied",
		),
		"RuleError": enum(
			"RuleErrorNoError", "RuleErrorInvalidRuleId", "RuleErrorRuleNotFound",
			"RuleErrorDeviceNotFound", "RuleErrorEventTypeNotFound", "RuleErrorStateTypeNotFound",
			"RuleErrorActionTypeNotFound", "RuleErrorInvalidParameter", "RuleErrorMissingParameter",
			"RuleErrorInvalidRuleFormat", "RuleErrorInvalidRuleActionParameter",
			"RuleErrorInvalidStateEvaluatorValue", "RuleErrorTypesNotMatching",
			"RuleErrorNotExecutable", "RuleErrorInvalidTimeDescriptor", "RuleErrorInvalidTimeEventItem",
			"RuleErrorInvalidCalendarItem", "RuleErrorInvalidRepeatingOption",
			"RuleErrorContainsEventBasedAction", "RuleErrorNoExitActions", "RuleErrorBackendError",
		),
		"ConfigurationError": enum(
			"ConfigurationErrorNoError", "ConfigurationErrorInvalidId",
			"ConfigurationErrorInvalidPort", "ConfigurationErrorInvalidHostAddress",
			"ConfigurationErrorInvalidTimeZone", "ConfigurationErrorInvalidLanguage",
			"ConfigurationErrorBackendError",
		),
		"DeviceError": enum(
			"DeviceErrorNoError", "DeviceErrorDeviceNotFound", "DeviceErrorStateTypeNotFound",
			"DeviceErrorEventTypeNotFound", "DeviceErrorActionTypeNotFound",
			"DeviceErrorInvalidParameter",
		),
		"ValueOperator": enum(
			"ValueOperatorEquals", "ValueOperatorNotEquals", "ValueOperatorLess",
			"ValueOperatorGreater", "ValueOperatorLessOrEqual", "ValueOperatorGreaterOrEqual",
		),
		"StateOperator": enum("StateOperatorAnd", "StateOperatorOr"),
		"RepeatingMode": enum(
			"RepeatingModeNone", "RepeatingModeHourly", "RepeatingModeDaily",
			"RepeatingModeWeekly", "RepeatingModeMonthly", "RepeatingModeYearly",
		),
		"BasicType": enum("bool", "int", "double", "string", "bytes", "uuid", "timestamp"),

		"TokenInfo": map[string]any{
			"id":         "Uuid",
			"username":   "String",
			"deviceName": "String",
			"createdAt":  "String",
		},
		"Param": map[string]any{
			"paramTypeId": "Uuid",
			"value":       "Variant",
		},
		"ParamType": map[string]any{
			"id":              "Uuid",
			"name":            "String",
			"o:displayName":   "String",
			"index":           "Int",
			"type":            refPrefix + "BasicType",
			"o:defaultValue":  "Variant",
			"o:minValue":      "Double",
			"o:maxValue":      "Double",
			"o:allowedValues": []any{"Variant"},
			"o:inputType":     "String",
			"o:unit":          "String",
			"o:readOnly":      "Bool",
		},
		"ParamDescriptor": map[string]any{
			"paramTypeId": "Uuid",
			"operator":    refPrefix + "ValueOperator",
			"value":       "Variant",
		},
		"StateDescriptor": map[string]any{
			"stateTypeId": "Uuid",
			"deviceId":    "Uuid",
			"operator":    refPrefix + "ValueOperator",
			"value":       "Variant",
		},
		"StateEvaluator": map[string]any{
			"o:stateDescriptor": refPrefix + "StateDescriptor",
			"o:operator":        refPrefix + "StateOperator",
			"o:childEvaluators": []any{refPrefix + "StateEvaluator"},
		},
		"EventDescriptor": map[string]any{
			"o:eventTypeId":      "Uuid",
			"o:deviceId":         "Uuid",
			"o:interface":        "String",
			"o:interfaceEvent":   "String",
			"o:paramDescriptors": []any{refPrefix + "ParamDescriptor"},
		},
		"RuleActionParam": map[string]any{
			"paramTypeId":        "Uuid",
			"o:value":            "Variant",
			"o:eventTypeId":      "Uuid",
			"o:eventParamTypeId": "Uuid",
		},
		"RuleAction": map[string]any{
			"deviceId":           "Uuid",
			"actionTypeId":       "Uuid",
			"o:ruleActionParams": []any{refPrefix + "RuleActionParam"},
		},
		"RepeatingOption": map[string]any{
			"mode":        refPrefix + "RepeatingMode",
			"o:weekDays":  []any{"Int"},
			"o:monthDays": []any{"Int"},
		},
		"CalendarItem": map[string]any{
			"o:datetime":  "Uint",
			"o:startTime": "String",
			"duration":    "Int",
			"o:repeating": refPrefix + "RepeatingOption",
		},
		"TimeEventItem": map[string]any{
			"o:datetime":  "Uint",
			"o:time":      "String",
			"o:repeating": refPrefix + "RepeatingOption",
		},
		"TimeDescriptor": map[string]any{
			"o:calendarItems":  []any{refPrefix + "CalendarItem"},
			"o:timeEventItems": []any{refPrefix + "TimeEventItem"},
		},
		"Rule": map[string]any{
			"id":                 "Uuid",
			"name":               "String",
			"enabled":            "Bool",
			"executable":         "Bool",
			"active":             "Bool",
			"o:eventDescriptors": []any{refPrefix + "EventDescriptor"},
			"o:stateEvaluator":   refPrefix + "StateEvaluator",
			"timeDescriptor":     refPrefix + "TimeDescriptor",
			"ruleActions":        []any{refPrefix + "RuleAction"},
			"o:ruleExitActions":  []any{refPrefix + "RuleAction"},
		},
		"RuleDescription": map[string]any{
			"id":         "Uuid",
			"name":       "String",
			"enabled":    "Bool",
			"active":     "Bool",
			"executable": "Bool",
		},
		"ServerConfiguration": map[string]any{
			"id":                    "String",
			"address":               "String",
			"port":                  "Int",
			"sslEnabled":            "Bool",
			"authenticationEnabled": "Bool",
		},
		"StateType": map[string]any{
			"id":             "Uuid",
			"name":           "String",
			"type":           refPrefix + "BasicType",
			"o:defaultValue": "Variant",
		},
		"EventType": map[string]any{
			"id":           "Uuid",
			"name":         "String",
			"o:paramTypes": []any{refPrefix + "ParamType"},
		},
		"ActionType": map[string]any{
			"id":           "Uuid",
			"name":         "String",
			"o:paramTypes": []any{refPrefix + "ParamType"},
		},
		"State": map[string]any{
			"stateTypeId": "Uuid",
			"value":       "Variant",
		},
		"Device": map[string]any{
			"id":            "Uuid",
			"name":          "String",
			"o:interfaces":  []any{"String"},
			"o:stateTypes":  []any{refPrefix + "StateType"},
			"o:eventTypes":  []any{refPrefix + "EventType"},
			"o:actionTypes": []any{refPrefix + "ActionType"},
		},
	}
}
