package types

import "testing"

func floatPtr(f float64) *float64 { return &f }

func TestParamTypeValidateValue_Limits(t *testing.T) {
	pt := ParamType{
		ID:   NewParamTypeID(),
		Name: "temperature",
		Type: ValueTypeDouble,
		Min:  floatPtr(-40),
		Max:  floatPtr(60),
	}

	if err := pt.ValidateValue(21.5); err != nil {
		t.Errorf("21.5 within [-40,60] should validate: %v", err)
	}
	if err := pt.ValidateValue(-40.0); err != nil {
		t.Errorf("limits are inclusive, -40 should validate: %v", err)
	}
	if err := pt.ValidateValue(75.0); err == nil {
		t.Error("75 above max should not validate")
	}
	if err := pt.ValidateValue("21"); err == nil {
		t.Error("string should not validate for a double param")
	}
}

func TestParamTypeValidateValue_AllowedValues(t *testing.T) {
	pt := ParamType{
		ID:            NewParamTypeID(),
		Name:          "mode",
		Type:          ValueTypeString,
		AllowedValues: []any{"eco", "comfort", "off"},
	}

	if err := pt.ValidateValue("eco"); err != nil {
		t.Errorf("allowed value should validate: %v", err)
	}
	if err := pt.ValidateValue("boost"); err == nil {
		t.Error("value outside allowedValues should not validate")
	}
}

func TestParamDescriptorMatches(t *testing.T) {
	id := NewParamTypeID()
	params := []Param{{ParamTypeID: id, Value: float64(7)}}

	pd := ParamDescriptor{ParamTypeID: id, Operator: ValueOperatorEquals, Value: 7}
	if !pd.Matches(params) {
		t.Error("descriptor 7 == 7 should match")
	}

	pd.Operator = ValueOperatorGreater
	pd.Value = 10
	if pd.Matches(params) {
		t.Error("descriptor 7 > 10 should not match")
	}

	pd.ParamTypeID = NewParamTypeID()
	if pd.Matches(params) {
		t.Error("descriptor for an absent param should not match")
	}
}

func TestIDKinds(t *testing.T) {
	r := NewRuleID()
	if r.IsZero() {
		t.Error("fresh RuleID should not be zero")
	}
	if !r.Valid() {
		t.Errorf("fresh RuleID %q should parse as UUID", r)
	}
	if RuleID("").IsZero() != true {
		t.Error("empty RuleID should be zero")
	}
	if RuleID("garbage").Valid() {
		t.Error("non-UUID RuleID should not be valid")
	}
}
