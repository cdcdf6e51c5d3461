package types

import "fmt"

// Param is one named value attached to an event or action instance.
type Param struct {
	ParamTypeID ParamTypeID `json:"paramTypeId"`
	Value       any         `json:"value"`
}

// ParamValue finds the value for the given param type in a param list.
func ParamValue(params []Param, id ParamTypeID) (any, bool) {
	for _, p := range params {
		if p.ParamTypeID == id {
			return p.Value, true
		}
	}
	return nil, false
}

// ParamType declares one named, typed parameter accepted by an event,
// action, or state. Min/Max and AllowedValues narrow the accepted values;
// InputType and Unit are display hints for clients and carry no server
// semantics.
type ParamType struct {
	ID            ParamTypeID `json:"id"`
	Name          string      `json:"name"`
	DisplayName   string      `json:"displayName,omitempty"`
	Index         int         `json:"index"`
	Type          ValueType   `json:"type"`
	Default       any         `json:"defaultValue,omitempty"`
	Min           *float64    `json:"minValue,omitempty"`
	Max           *float64    `json:"maxValue,omitempty"`
	AllowedValues []any       `json:"allowedValues,omitempty"`
	InputType     string      `json:"inputType,omitempty"`
	Unit          string      `json:"unit,omitempty"`
	ReadOnly      bool        `json:"readOnly,omitempty"`
}

// ValidateValue checks v against the declared type, limits, and allowed
// values. Limits are inclusive.
func (pt ParamType) ValidateValue(v any) error {
	if !pt.Type.TypeMatches(v) {
		return fmt.Errorf("param %s: value %v does not match type %s", pt.Name, v, pt.Type)
	}
	if pt.Min != nil || pt.Max != nil {
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("param %s: value %v is not numeric but has limits", pt.Name, v)
		}
		if pt.Min != nil && f < *pt.Min {
			return fmt.Errorf("param %s: value %v below minimum %v", pt.Name, v, *pt.Min)
		}
		if pt.Max != nil && f > *pt.Max {
			return fmt.Errorf("param %s: value %v above maximum %v", pt.Name, v, *pt.Max)
		}
	}
	if len(pt.AllowedValues) > 0 {
		for _, allowed := range pt.AllowedValues {
			if looseEqual(v, allowed) {
				return nil
			}
		}
		return fmt.Errorf("param %s: value %v not in allowed values", pt.Name, v)
	}
	return nil
}

// ParamDescriptor narrows a param to values satisfying an operator, used
// inside event filters.
type ParamDescriptor struct {
	ParamTypeID ParamTypeID   `json:"paramTypeId"`
	Operator    ValueOperator `json:"operator"`
	Value       any           `json:"value"`
}

// Matches reports whether the param list carries the described param with
// a value satisfying the operator. A missing param never matches.
func (pd ParamDescriptor) Matches(params []Param) bool {
	v, ok := ParamValue(params, pd.ParamTypeID)
	if !ok {
		return false
	}
	return Compare(pd.Operator, v, pd.Value)
}
