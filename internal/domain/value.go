package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

type valueKind uint8

const (
	kindAbsent valueKind = iota
	kindText
	kindList
)

// Value is an optional record field: absent, a string, or a list of
// strings. Presence is explicit so "copy only if present and non-empty"
// never depends on zero values.
type Value struct {
	kind  valueKind
	text  string
	items []string
}

func Absent() Value {
	return Value{}
}

func Text(s string) Value {
	return Value{kind: kindText, text: s}
}

func List(items ...string) Value {
	return Value{kind: kindList, items: slices.Clone(items)}
}

// ValueOf converts a decoded document value.
func ValueOf(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Absent()
	case string:
		return Text(v)
	case []string:
		return List(v...)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			items = append(items, fmt.Sprint(item))
		}
		return List(items...)
	case time.Time:
		return Text(v.UTC().Format("2006-01-02"))
	}
	return Text(fmt.Sprint(raw))
}

// Lookup reads key from a decoded document.
func Lookup(m map[string]any, key string) Value {
	raw, ok := m[key]
	if !ok {
		return Absent()
	}
	return ValueOf(raw)
}

func (v Value) Present() bool { return v.kind != kindAbsent }

func (v Value) IsList() bool { return v.kind == kindList }

// IsBlank is true for absent values, whitespace-only text and empty lists.
func (v Value) IsBlank() bool {
	switch v.kind {
	case kindText:
		return strings.TrimSpace(v.text) == ""
	case kindList:
		return len(v.items) == 0
	}
	return true
}

// String renders the value; lists are joined with ", ".
func (v Value) String() string {
	if v.kind == kindList {
		return strings.Join(v.items, ", ")
	}
	return v.text
}

func (v Value) Items() []string {
	return slices.Clone(v.items)
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == kindList {
		return slices.Equal(v.items, o.items)
	}
	return v.text == o.text
}

// OrEmpty returns v, or the empty value of the given shape when v is absent.
func (v Value) OrEmpty(list bool) Value {
	if v.Present() {
		return v
	}
	if list {
		return List()
	}
	return Text("")
}

// Any returns the document form: nil, a string or a []string.
func (v Value) Any() any {
	switch v.kind {
	case kindText:
		return v.text
	case kindList:
		if v.items == nil {
			return []string{}
		}
		return slices.Clone(v.items)
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}
