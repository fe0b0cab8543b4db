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
package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraken-bt/torrentengine/internal/bencode"
	"github.com/kraken-bt/torrentengine/wire"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	payload := wire.EncodeExtendedMessage(3, EncodeRequest(7), nil)
	em, err := wire.DecodeExtendedMessage(payload)
	require.NoError(t, err)

	m, err := DecodeMessage(em)
	require.NoError(t, err)
	require.Equal(t, MessageRequest, m.Type)
	require.Equal(t, 7, m.Piece)
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	raw := []byte("raw metadata bytes")
	payload := wire.EncodeExtendedMessage(3, EncodeData(2, 100), raw)
	em, err := wire.DecodeExtendedMessage(payload)
	require.NoError(t, err)

	m, err := DecodeMessage(em)
	require.NoError(t, err)
	require.Equal(t, MessageData, m.Type)
	require.Equal(t, 2, m.Piece)
	require.Equal(t, 100, m.TotalSize)
	require.Equal(t, raw, m.Data)
}

func TestEncodeDecodeRejectRoundTrip(t *testing.T) {
	payload := wire.EncodeExtendedMessage(3, EncodeReject(5), nil)
	em, err := wire.DecodeExtendedMessage(payload)
	require.NoError(t, err)

	m, err := DecodeMessage(em)
	require.NoError(t, err)
	require.Equal(t, MessageReject, m.Type)
	require.Equal(t, 5, m.Piece)
}

func TestDecodeMessageRejectsMissingMsgType(t *testing.T) {
	payload := wire.EncodeExtendedMessage(3, bencode.NewDict(
		bencode.DictEntry{Key: "piece", Val: bencode.NewInt(0)},
	), nil)
	em, err := wire.DecodeExtendedMessage(payload)
	require.NoError(t, err)

	_, err = DecodeMessage(em)
	require.Error(t, err)
}
