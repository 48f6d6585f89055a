package projection

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/plaenen/projections/pkg/checkpoint"
)

// Reserved top-level fields of a serialized projection.
const (
	FieldCheckpoint            = "$checkpoint"
	FieldCheckpointFingerprint = "$checkpointFingerprint"
	FieldMetadata              = "$metadata"
	FieldDestinations          = "$destinations"
)

// ToJSON serializes the state fields together with the checkpoint and its fingerprint.
// The state must encode as a JSON object.
func (p *Projection[S]) ToJSON() ([]byte, error) {
	fields, err := stateFields(p.state)
	if err != nil {
		return nil, fmt.Errorf("projection %s: %w", p.name, err)
	}

	cp, err := json.Marshal(p.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("projection %s: marshal checkpoint: %w", p.name, err)
	}
	fields[FieldCheckpoint] = cp

	fingerprint := json.RawMessage("null")
	if p.fingerprint != "" {
		if fingerprint, err = json.Marshal(p.fingerprint); err != nil {
			return nil, err
		}
	}
	fields[FieldCheckpointFingerprint] = fingerprint

	if p.router != nil {
		if err := p.router.marshalExtra(fields); err != nil {
			return nil, fmt.Errorf("projection %s: %w", p.name, err)
		}
	}

	return json.Marshal(fields)
}

// MarshalJSON implements json.Marshaler.
func (p *Projection[S]) MarshalJSON() ([]byte, error) {
	return p.ToJSON()
}

// LoadJSON replaces state and checkpoint with those of a serialized projection.
// The fingerprint is recomputed from the loaded checkpoint; a stored fingerprint
// that disagrees is logged and discarded.
func (p *Projection[S]) LoadJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("projection %s: %w: %v", p.name, ErrInvalidState, err)
	}

	cp := checkpoint.New()
	if raw, ok := fields[FieldCheckpoint]; ok {
		if err := json.Unmarshal(raw, cp); err != nil {
			return fmt.Errorf("projection %s: decode checkpoint: %w", p.name, err)
		}
	}
	var stored string
	if raw, ok := fields[FieldCheckpointFingerprint]; ok && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("projection %s: decode fingerprint: %w", p.name, err)
		}
	}

	if p.router != nil {
		if err := p.router.unmarshalExtra(fields); err != nil {
			return fmt.Errorf("projection %s: %w", p.name, err)
		}
	}

	delete(fields, FieldCheckpoint)
	delete(fields, FieldCheckpointFingerprint)
	delete(fields, FieldMetadata)
	delete(fields, FieldDestinations)

	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	state := new(S)
	if err := json.Unmarshal(rest, state); err != nil {
		return fmt.Errorf("projection %s: %w: %v", p.name, ErrInvalidState, err)
	}

	p.state = state
	p.checkpoint = cp
	p.fingerprint = checkpoint.Fingerprint(cp)
	if stored != "" && stored != p.fingerprint {
		p.logger.Warn("stored checkpoint fingerprint does not match checkpoint, recomputed",
			"stored", stored,
			"computed", p.fingerprint)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Projection[S]) UnmarshalJSON(data []byte) error {
	return p.LoadJSON(data)
}

func stateFields(state any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: state must encode as a JSON object", ErrInvalidState)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	return fields, nil
}
