// Package api defines the data structures exchanged with the OpenCost
// allocation API and the fixed names of the exported artifact.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmountedKey is the allocation key OpenCost uses for volumes that are
// not mounted by any pod.  Its records are never exported because their
// shape differs from regular allocations and breaks the table schema.
const UnmountedKey = "__unmounted__/__unmounted__/__unmounted__"

// FileName is the name of the Parquet file written in every partition.
const FileName = "k8s_opencost.parquet"

// ContentType is the media type of uploaded Parquet objects.
const ContentType = "application/vnd.apache.parquet"

// AllocationResponse is the "data" array of an /allocation/compute
// response: one result set per requested step, in step order.
type AllocationResponse []ResultSet

// ResultSet maps a composite allocation key (e.g.,
// "namespace/pod/container") to its allocation record and remembers
// the order in which the keys appeared in the response.
type ResultSet struct {
	keys        []string
	allocations map[string]Allocation
}

// Allocation is a single allocation record.  Values are json.Number,
// string, bool, nil, []any or nested map[string]any exactly as decoded
// from the response body.
type Allocation map[string]any

// Set adds or replaces the allocation of key.  A replaced key keeps its
// original position.
func (r *ResultSet) Set(key string, a Allocation) {
	if r.allocations == nil {
		r.allocations = map[string]Allocation{}
	}
	if _, ok := r.allocations[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.allocations[key] = a
}

// Get returns the allocation of key, or nil.
func (r ResultSet) Get(key string) Allocation {
	return r.allocations[key]
}

// Keys returns the allocation keys in response order.
func (r ResultSet) Keys() []string {
	return r.keys
}

// Len returns the number of allocations.
func (r ResultSet) Len() int {
	return len(r.keys)
}

// UnmarshalJSON decodes a JSON object keeping the order of its keys.
// Numbers are decoded as json.Number.
func (r *ResultSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err //nolint:wrapcheck
	}
	if tok == nil {
		*r = ResultSet{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("result set is %v, want an object", tok)
	}
	var rs ResultSet
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err //nolint:wrapcheck
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("result set key is %v, want a string", tok)
		}
		var a Allocation
		if err := dec.Decode(&a); err != nil {
			return fmt.Errorf("%v: %w", key, err)
		}
		rs.Set(key, a)
	}
	if _, err := dec.Token(); err != nil {
		return err //nolint:wrapcheck
	}
	*r = rs
	return nil
}
