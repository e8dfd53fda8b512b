package search

import "github.com/JakeFAU/condor-spider/internal/normalize"

// Mapping builds the index body from the normalization field table: ints as
// long, dates as epoch seconds, strings as keywords. Fields marked no-index
// are stored but not searchable.
func Mapping() map[string]any {
	props := map[string]any{}
	set := func(names []string, spec map[string]any) {
		for _, name := range names {
			props[name] = spec
		}
	}
	set(normalize.IndexedFields(normalize.KindString), map[string]any{"type": "keyword"})
	set(normalize.IndexedFields(normalize.KindInt), map[string]any{"type": "long"})
	set(normalize.IndexedFields(normalize.KindBool), map[string]any{"type": "boolean"})
	set(normalize.IndexedFields(normalize.KindDate), map[string]any{"type": "date", "format": "epoch_second"})
	for _, name := range normalize.NoIndexFields() {
		spec := map[string]any{"type": "keyword"}
		if existing, ok := props[name].(map[string]any); ok {
			spec = map[string]any{}
			for k, v := range existing {
				spec[k] = v
			}
		}
		spec["index"] = false
		props[name] = spec
	}
	props["metadata"] = map[string]any{
		"properties": map[string]any{
			"spider_source":  map[string]any{"type": "keyword"},
			"spider_host":    map[string]any{"type": "keyword"},
			"spider_runtime": map[string]any{"type": "date", "format": "epoch_second"},
		},
	}
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":           "2",
				"number_of_replicas":         "1",
				"mapping.total_fields.limit": "2000",
			},
		},
		"mappings": map[string]any{
			"dynamic_templates": []any{
				map[string]any{"strings_as_keywords": map[string]any{
					"match_mapping_type": "string",
					"mapping":            map[string]any{"type": "keyword", "norms": false, "ignore_above": 256},
				}},
			},
			"properties": props,
		},
	}
}
