package model

import (
	"encoding/json"
	"fmt"
)

type recordAlias Record

type recordJSON struct {
	*recordAlias
	Details json.RawMessage `json:"details,omitempty"`
}

// UnmarshalJSON decodes Details into the concrete type named by Type.
func (r *Record) UnmarshalJSON(data []byte) error {
	aux := recordJSON{recordAlias: (*recordAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Details = DefaultDetails(r.Type)
	if r.Details != nil && len(aux.Details) > 0 && string(aux.Details) != "null" {
		if err := json.Unmarshal(aux.Details, r.Details); err != nil {
			return fmt.Errorf("decode %s details: %w", r.Type, err)
		}
	}
	return nil
}
