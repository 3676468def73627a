// pkg/core/patch.go
package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Apply writes every field of the patch into rec. The record is left
// untouched if any path or value is rejected.
func (p Patch) Apply(rec *UserRecord) error {
	next := rec.clone()
	for _, path := range p.Paths() {
		if err := setField(&next, path, p[path]); err != nil {
			return err
		}
	}
	*rec = next
	return nil
}

// Paths returns the patch keys in a stable order. Whole-position writes sort
// before the per-axis paths so "position.lat" refines "position".
func (p Patch) Paths() []string {
	paths := make([]string, 0, len(p))
	for k := range p {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

func setField(rec *UserRecord, path string, value any) error {
	switch path {
	case FieldName:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, value)
		}
		rec.Name = s
	case FieldPhone:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, value)
		}
		rec.Phone = s
	case FieldPosition:
		raw, err := toRawPosition(value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rec.Position = raw
	case FieldPositionLat:
		f, err := toFloatPtr(value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rec.Position.Lat = f
	case FieldPositionLong:
		f, err := toFloatPtr(value)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		rec.Position.Long = f
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, path)
	}
	return nil
}

func toRawPosition(value any) (RawPosition, error) {
	switch v := value.(type) {
	case nil:
		return RawPosition{}, nil
	case Position:
		return NewRawPosition(v), nil
	case *Position:
		if v == nil {
			return RawPosition{}, nil
		}
		return NewRawPosition(*v), nil
	case RawPosition:
		return v, nil
	case map[string]any:
		var out RawPosition
		var err error
		if lat, ok := v["lat"]; ok {
			if out.Lat, err = toFloatPtr(lat); err != nil {
				return RawPosition{}, err
			}
		}
		if long, ok := v["long"]; ok {
			if out.Long, err = toFloatPtr(long); err != nil {
				return RawPosition{}, err
			}
		}
		return out, nil
	default:
		return RawPosition{}, fmt.Errorf("unsupported position value %T", value)
	}
}

func toFloatPtr(value any) (*float64, error) {
	var f float64
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil, err
		}
		f = parsed
	default:
		return nil, fmt.Errorf("expected number, got %T", value)
	}
	return &f, nil
}
