package state

import "encoding/json"

// marshalList and unmarshalList store string-slice columns (goal
// tiers) as JSON text, preferring plain JSON columns over a join table
// for small ordered lists (see internal/scheduler's Schedule.Kind-tagged
// JSON columns for the same idiom).
func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalList(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
