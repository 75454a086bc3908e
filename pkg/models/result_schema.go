package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSimulationResult means a provider response failed strict
// schema validation: a missing required field or a wrong JSON type.
var ErrInvalidSimulationResult = errors.New("invalid simulation result")

// resultNumericFields must all be present as JSON numbers.
var resultNumericFields = []string{
	"sales", "revenue", "costs", "waste", "cashBefore", "cashAfter", "netProfit",
}

// ParseSimulationResult validates raw against the simulation result schema
// and decodes it. Validation is strict: every numeric field is required,
// summary must be a string, randomEvent must be a string or null, and both
// inventory snapshots must be present (three-bucket object, or a bare
// number for legacy single-bucket results). Any violation is a hard
// ErrInvalidSimulationResult.
func ParseSimulationResult(raw json.RawMessage) (SimulationResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return SimulationResult{}, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidSimulationResult, err)
	}

	var result SimulationResult
	numbers := map[string]*float64{
		"sales":      &result.Sales,
		"revenue":    &result.Revenue,
		"costs":      &result.Costs,
		"waste":      &result.Waste,
		"cashBefore": &result.CashBefore,
		"cashAfter":  &result.CashAfter,
		"netProfit":  &result.NetProfit,
	}
	for _, name := range resultNumericFields {
		rawField, ok := fields[name]
		if !ok {
			return SimulationResult{}, fmt.Errorf("%w: missing field %q", ErrInvalidSimulationResult, name)
		}
		if err := json.Unmarshal(rawField, numbers[name]); err != nil {
			return SimulationResult{}, fmt.Errorf("%w: field %q is not a number", ErrInvalidSimulationResult, name)
		}
	}

	for name, dst := range map[string]*InventoryState{
		"inventoryBefore": &result.InventoryBefore,
		"inventoryAfter":  &result.InventoryAfter,
	} {
		rawField, ok := fields[name]
		if !ok {
			return SimulationResult{}, fmt.Errorf("%w: missing field %q", ErrInvalidSimulationResult, name)
		}
		state, err := strictInventory(rawField)
		if err != nil {
			return SimulationResult{}, fmt.Errorf("%w: field %q is not an inventory state", ErrInvalidSimulationResult, name)
		}
		*dst = state
	}

	rawSummary, ok := fields["summary"]
	if !ok {
		return SimulationResult{}, fmt.Errorf("%w: missing field %q", ErrInvalidSimulationResult, "summary")
	}
	if err := json.Unmarshal(rawSummary, &result.Summary); err != nil {
		return SimulationResult{}, fmt.Errorf("%w: field %q is not a string", ErrInvalidSimulationResult, "summary")
	}

	if rawEvent, ok := fields["randomEvent"]; ok {
		if err := json.Unmarshal(rawEvent, &result.RandomEvent); err != nil {
			return SimulationResult{}, fmt.Errorf("%w: field %q is not a string or null", ErrInvalidSimulationResult, "randomEvent")
		}
	}

	result.RawResponse = raw
	return result, nil
}

// strictInventory is the schema-validation counterpart of
// NormalizeInventory: a bare number is still accepted for legacy
// single-bucket results, but an object with keys outside the three-bucket
// shape is rejected rather than silently decoded to zeroes.
func strictInventory(raw json.RawMessage) (InventoryState, error) {
	var single float64
	if err := json.Unmarshal(raw, &single); err == nil {
		return InventoryState{Refrigerated: single}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var state InventoryState
	if err := dec.Decode(&state); err != nil {
		return InventoryState{}, err
	}
	return state, nil
}
