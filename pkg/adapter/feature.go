package adapter

import "fmt"

// Feature is one record as decoded from the wire: either a GeoJSON Feature
// or a plain JSON object.
type Feature map[string]any

// IsGeoJSON reports whether f is a GeoJSON Feature.
func (f Feature) IsGeoJSON() bool {
	t, _ := f["type"].(string)
	return t == "Feature"
}

// Properties returns the attribute map of f. For a GeoJSON Feature this is
// its "properties" object, created if missing; a plain record is its own
// attribute map. Writes to the returned map modify f.
func (f Feature) Properties() map[string]any {
	if !f.IsGeoJSON() {
		return f
	}
	if props, ok := f["properties"].(map[string]any); ok {
		return props
	}
	props := make(map[string]any)
	f["properties"] = props
	return props
}

// Stamp copies every metadata entry into the attributes of f, overwriting
// existing keys.
func (f Feature) Stamp(metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	props := f.Properties()
	for k, v := range metadata {
		props[k] = v
	}
}

// ID returns the value of the given attribute without modifying f. ok is
// false when the attribute is missing or null.
func (f Feature) ID(property string) (value any, ok bool) {
	attrs := map[string]any(f)
	if f.IsGeoJSON() {
		attrs, _ = f["properties"].(map[string]any)
	}
	value, ok = attrs[property]
	if value == nil {
		return nil, false
	}
	return value, ok
}

// FeaturesFrom converts a decoded JSON array of objects into features.
// It is meant for Custom extractors working on an untyped body.
func FeaturesFrom(v any) ([]Feature, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON array, got %T", v)
	}

	features := make([]Feature, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("element %d: expected JSON object, got %T", i, item)
		}
		features = append(features, Feature(obj))
	}
	return features, nil
}
