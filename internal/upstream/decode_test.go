package upstream

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestDecodeList_FallbackOrder(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		shape Shape
		n     int
	}{
		{"bare array", `[{"id":1},{"id":2}]`, ShapeArray, 2},
		{"sectors", `{"sectors":[{"id":1}],"items":[1,2,3]}`, ShapeSectors, 1},
		{"items", `{"items":[{"id":1},{"id":2},{"id":3}]}`, ShapeItems, 3},
		{"data", ` {"data":[], "count":0}`, ShapeData, 0},
		{"sectors not array falls through", `{"sectors":{"x":1},"data":[1]}`, ShapeData, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, shape, err := DecodeList(json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if shape != tc.shape || len(items) != tc.n {
				t.Fatalf("shape=%v n=%d want %v %d", shape, len(items), tc.shape, tc.n)
			}
		})
	}
}

func TestDecodeList_Unknown(t *testing.T) {
	for _, raw := range []string{``, `{"rows":[]}`, `42`, `"x"`} {
		if _, _, err := DecodeList(json.RawMessage(raw)); !errors.Is(err, ErrUnknownShape) {
			t.Fatalf("%q: err=%v", raw, err)
		}
	}
}

func TestExtractIDs(t *testing.T) {
	raw := json.RawMessage(`{"items":[{"id":10},{"id":"11"},{"name":"no id"},{"id":10},{"id":12.5},{"id":null}]}`)
	ids, err := ExtractIDs(raw, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"10", "11", "12.5"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids=%v want %v", ids, want)
	}

	ids, err = ExtractIDs(json.RawMessage(`[{"slug":"energy"},{"slug":" "}]`), "slug")
	if err != nil || !reflect.DeepEqual(ids, []string{"energy"}) {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
}

func TestShapeString(t *testing.T) {
	if ShapeItems.String() != "items" || ShapeUnknown.String() != "unknown" {
		t.Fatal("unexpected shape names")
	}
}
