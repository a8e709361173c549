package api

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestResultSetUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantKeys []string
		wantErr  bool
	}{
		{
			name:     "keys in response order",
			data:     `[{"z/z/z": {"a": 1}, "a/a/a": {"a": 2}, "m/m/m": {"a": 3}}]`,
			wantKeys: []string{"z/z/z", "a/a/a", "m/m/m"},
		},
		{
			name:     "duplicate key keeps first position",
			data:     `[{"b/b/b": {"a": 1}, "a/a/a": {"a": 2}, "b/b/b": {"a": 3}}]`,
			wantKeys: []string{"b/b/b", "a/a/a"},
		},
		{
			name:     "empty and null result sets",
			data:     `[{}, null]`,
			wantKeys: nil,
		},
		{
			name:    "result set is not an object",
			data:    `[[1, 2]]`,
			wantErr: true,
		},
		{
			name:    "allocation is not an object",
			data:    `[{"a/b/c": 5}]`,
			wantErr: true,
		},
	}
	for i, test := range tests {
		t.Logf(">>> test %02d: %s", i, test.name)
		var resp AllocationResponse
		dec := json.NewDecoder(strings.NewReader(test.data))
		dec.UseNumber()
		err := dec.Decode(&resp)
		if (err != nil) != test.wantErr {
			t.Fatalf("Decode() = %v, want error %v", err, test.wantErr)
		}
		if err != nil {
			continue
		}
		if got := resp[0].Keys(); !reflect.DeepEqual(got, test.wantKeys) {
			t.Fatalf("Keys() = %v, want %v", got, test.wantKeys)
		}
	}
}

func TestResultSetValues(t *testing.T) {
	var resp AllocationResponse
	if err := json.Unmarshal([]byte(`[{"b/b/b": {"a": 1}, "a/a/a": {"a": 2}, "b/b/b": {"a": 3.5}}]`), &resp); err != nil {
		t.Fatalf("Unmarshal() = %v, want nil", err)
	}
	set := resp[0]
	if set.Len() != 2 {
		t.Fatalf("Len() = %v, want 2", set.Len())
	}
	if n, ok := set.Get("b/b/b")["a"].(json.Number); !ok || n.String() != "3.5" {
		t.Fatalf("Get() = %#v, want json.Number 3.5", set.Get("b/b/b")["a"])
	}
	if set.Get("c/c/c") != nil {
		t.Fatalf("Get() = %v, want nil", set.Get("c/c/c"))
	}
}
