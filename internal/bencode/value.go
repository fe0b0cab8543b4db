// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bencode implements a minimal bencode codec that exposes the
// decoded tree as a Value AST rather than unmarshaling into Go structs.
// This is required by the engine because InfoHash = SHA-1(raw info bytes):
// re-encoding a struct-marshaled info dict can silently change the hash if
// key order or integer formatting differs from the original torrent file,
// so the codec must be able to hand back the exact byte span it parsed.
package bencode

import "fmt"

// Kind enumerates the four bencode value variants.
type Kind int

// Bencode value kinds.
const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// DictEntry is a single key/value pair of a dict, preserving decode order.
type DictEntry struct {
	Key string
	Val *Value
}

// Value is a decoded bencode value: exactly one of the fields below is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []*Value
	Dict []DictEntry

	// start and end mark the byte span [start, end) of this value within
	// the original input, enabling exact-byte extraction (see rawinfo.go).
	start, end int
}

// NewInt creates an integer Value.
func NewInt(i int64) *Value { return &Value{Kind: KindInt, Int: i} }

// NewString creates a byte-string Value.
func NewString(s []byte) *Value { return &Value{Kind: KindString, Str: s} }

// NewList creates a list Value.
func NewList(items ...*Value) *Value { return &Value{Kind: KindList, List: items} }

// NewDict creates a dict Value from entries, preserving the given order.
func NewDict(entries ...DictEntry) *Value { return &Value{Kind: KindDict, Dict: entries} }

// IsInt reports whether v is an integer.
func (v *Value) IsInt() bool { return v.Kind == KindInt }

// IsString reports whether v is a byte-string.
func (v *Value) IsString() bool { return v.Kind == KindString }

// IsList reports whether v is a list.
func (v *Value) IsList() bool { return v.Kind == KindList }

// IsDict reports whether v is a dict.
func (v *Value) IsDict() bool { return v.Kind == KindDict }

// DictGet looks up key in a dict Value. Returns nil, false if v is not a
// dict or the key is absent.
func (v *Value) DictGet(key string) (*Value, bool) {
	if v == nil || v.Kind != KindDict {
		return nil, false
	}
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Val, true
		}
	}
	return nil, false
}

// String returns the byte-string contents, or an error if v is not a string.
func (v *Value) String() (string, error) {
	if v == nil || v.Kind != KindString {
		return "", fmt.Errorf("bencode: not a string")
	}
	return string(v.Str), nil
}

// Integer returns the integer value, or an error if v is not an integer.
func (v *Value) Integer() (int64, error) {
	if v == nil || v.Kind != KindInt {
		return 0, fmt.Errorf("bencode: not an integer")
	}
	return v.Int, nil
}
