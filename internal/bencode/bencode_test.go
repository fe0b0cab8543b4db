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
package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeScalars(t *testing.T) {
	require := require.New(t)

	v, err := Decode([]byte("i42e"))
	require.NoError(err)
	n, err := v.Integer()
	require.NoError(err)
	require.Equal(int64(42), n)

	v, err = Decode([]byte("i-7e"))
	require.NoError(err)
	n, err = v.Integer()
	require.NoError(err)
	require.Equal(int64(-7), n)

	v, err = Decode([]byte("i0e"))
	require.NoError(err)
	n, err = v.Integer()
	require.NoError(err)
	require.Equal(int64(0), n)

	v, err = Decode([]byte("4:spam"))
	require.NoError(err)
	s, err := v.String()
	require.NoError(err)
	require.Equal("spam", s)
}

func TestDecodeListAndDict(t *testing.T) {
	require := require.New(t)

	v, err := Decode([]byte("l4:spam4:eggse"))
	require.NoError(err)
	require.True(v.IsList())
	require.Len(v.List, 2)
	s0, _ := v.List[0].String()
	s1, _ := v.List[1].String()
	require.Equal("spam", s0)
	require.Equal("eggs", s1)

	v, err = Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(err)
	require.True(v.IsDict())
	cow, ok := v.DictGet("cow")
	require.True(ok)
	cs, _ := cow.String()
	require.Equal("moo", cs)
	spam, ok := v.DictGet("spam")
	require.True(ok)
	ss, _ := spam.String()
	require.Equal("eggs", ss)
}

func TestDecodeOrderPreserved(t *testing.T) {
	require := require.New(t)

	// Dict keys decoded out of lexicographic order must be preserved as-is
	// in the Value tree, since callers may need the original decode order
	// (e.g. to detect a non-canonical torrent file).
	v, err := Decode([]byte("d4:spam4:eggs3:cow3:mooe"))
	require.NoError(err)
	require.Equal("spam", v.Dict[0].Key)
	require.Equal("cow", v.Dict[1].Key)
}

func TestEncodeCanonicalKeyOrder(t *testing.T) {
	require := require.New(t)

	v, err := Decode([]byte("d4:spam4:eggs3:cow3:mooe"))
	require.NoError(err)

	// Encode must re-sort keys lexicographically regardless of decode order.
	require.Equal([]byte("d3:cow3:moo4:spam4:eggse"), Encode(v))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	inputs := [][]byte{
		[]byte("i42e"),
		[]byte("i-7e"),
		[]byte("i0e"),
		[]byte("4:spam"),
		[]byte("l4:spam4:eggse"),
		[]byte("d3:cow3:moo4:spam4:eggse"),
		[]byte("d8:announce24:http://tracker.example/a4:infod6:lengthi1024e4:name5:file112:piece lengthi256eee"),
	}
	for _, in := range inputs {
		v, err := DecodeExact(in)
		require.NoError(err, "input: %s", in)
		require.Equal(in, Encode(v), "round trip: %s", in)
	}
}

func TestDecodeMalformed(t *testing.T) {
	require := require.New(t)

	malformed := []string{
		"",
		"i",
		"ie",
		"i01e",
		"i-0e",
		"4spam",
		"5:spam",
		"l4:spam",
		"d3:cowe",
		"d4:spam4:eggs3:cowe",
	}
	for _, in := range malformed {
		_, err := Decode([]byte(in))
		require.Error(err, "input: %q", in)
		var me *ErrMalformed
		require.ErrorAs(err, &me, "input: %q", in)
	}
}

func TestDecodeTrailingDataRejectedByExact(t *testing.T) {
	require := require.New(t)

	_, err := Decode([]byte("i42ei7e"))
	require.NoError(err, "Decode tolerates trailing bytes")

	_, err = DecodeExact([]byte("i42ei7e"))
	require.Error(err, "DecodeExact must reject trailing bytes")
}

func TestExtractRawInfo(t *testing.T) {
	require := require.New(t)

	torrentBytes := []byte("d8:announce24:http://tracker.example/a4:infod6:lengthi1024e4:name5:file112:piece lengthi256e6:pieces0:ee")
	raw, err := ExtractRawInfo(torrentBytes)
	require.NoError(err)

	// The extracted span must decode standalone as the same info dict, and
	// must be the literal substring of the original buffer (not a
	// re-encoding), so SHA-1 over it matches what a compliant client would
	// compute from this exact file.
	v, err := DecodeExact(raw)
	require.NoError(err)
	require.True(v.IsDict())
	nameVal, ok := v.DictGet("name")
	require.True(ok)
	name, _ := nameVal.String()
	require.Equal("file1", name)
}

func TestExtractRawInfoMissingDict(t *testing.T) {
	require := require.New(t)

	_, err := ExtractRawInfo([]byte("d8:announce4:foo:e"))
	require.Error(err)

	_, err = ExtractRawInfo([]byte("d8:announce4:foooe"))
	require.Error(err)
}
