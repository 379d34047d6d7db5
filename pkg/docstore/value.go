package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Timestamp is the store's native time representation. Every time.Time
// written through a Store is persisted as a Timestamp, and readers get a
// Timestamp (memory) or its JSON form {"seconds","nanos"} (SQL) back.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// AsTimestamp recognises the native representations of a stored instant.
func AsTimestamp(v any) (Timestamp, bool) {
	switch t := v.(type) {
	case Timestamp:
		return t, true
	case *Timestamp:
		if t == nil {
			return Timestamp{}, false
		}
		return *t, true
	case map[string]any:
		if len(t) == 0 || len(t) > 2 {
			return Timestamp{}, false
		}
		secs, ok := toInt64(t["seconds"])
		if !ok {
			return Timestamp{}, false
		}
		var nanos int64
		if raw, present := t["nanos"]; present {
			if nanos, ok = toInt64(raw); !ok {
				return Timestamp{}, false
			}
		} else if len(t) == 2 {
			return Timestamp{}, false
		}
		return Timestamp{Seconds: secs, Nanos: int32(nanos)}, true
	}
	return Timestamp{}, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// native deep-copies a value into the store's representation.
func native(v any) any {
	switch t := v.(type) {
	case time.Time:
		return TimestampOf(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return TimestampOf(*t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = native(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = native(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	}
	return v
}

func nativeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return native(m).(map[string]any)
}

func matches(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		got, ok := data[f.Field]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(got, native(f.Value)) {
			return false
		}
	}
	return true
}

// compareValues orders two field values. Missing values sort after present ones.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	if ta, ok := AsTimestamp(a); ok {
		if tb, ok := AsTimestamp(b); ok {
			return ta.Time().Compare(tb.Time())
		}
	}
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// apply filters, orders and limits documents in memory.
func apply(docs []Document, q Query) []Document {
	out := docs[:0]
	for _, d := range docs {
		if matches(d.Data, q.Filters) {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(out[i].Data[q.OrderBy], out[j].Data[q.OrderBy])
			if q.Descending && out[i].Data[q.OrderBy] != nil && out[j].Data[q.OrderBy] != nil {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
