package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Shape records which envelope a list response came in.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeArray
	ShapeSectors
	ShapeItems
	ShapeData
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeSectors:
		return "sectors"
	case ShapeItems:
		return "items"
	case ShapeData:
		return "data"
	default:
		return "unknown"
	}
}

var ErrUnknownShape = errors.New("upstream: unrecognized list shape")

// envelope fields tried in order after a bare array
var listFields = []struct {
	name  string
	shape Shape
}{
	{"sectors", ShapeSectors},
	{"items", ShapeItems},
	{"data", ShapeData},
}

// DecodeList accepts a bare array, or an object holding the array under
// "sectors", "items" or "data", checked in that order.
func DecodeList(raw json.RawMessage) ([]json.RawMessage, Shape, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ShapeUnknown, ErrUnknownShape
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, ShapeUnknown, fmt.Errorf("decode list: %w", err)
		}
		return items, ShapeArray, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, ShapeUnknown, fmt.Errorf("decode list: %w", err)
		}
		for _, f := range listFields {
			v, ok := obj[f.name]
			if !ok || !isArray(v) {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(v, &items); err != nil {
				return nil, ShapeUnknown, fmt.Errorf("decode list .%s: %w", f.name, err)
			}
			return items, f.shape, nil
		}
	}
	return nil, ShapeUnknown, ErrUnknownShape
}

func isArray(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) > 0 && v[0] == '['
}

// ExtractIDs pulls field from every list element. String and numeric ids are accepted;
// elements without the field are skipped and duplicates are dropped.
func ExtractIDs(raw json.RawMessage, field string) ([]string, error) {
	items, _, err := DecodeList(raw)
	if err != nil {
		return nil, err
	}
	if field == "" {
		field = "id"
	}
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, it := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(it, &obj); err != nil {
			continue
		}
		id, ok := scalar(obj[field])
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func scalar(v json.RawMessage) (string, bool) {
	if len(v) == 0 {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return "", false
	}
	switch t := x.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
