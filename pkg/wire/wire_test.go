// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req := Request{ID: 7, Op: OpParseText, Text: "a = 1", Recovering: true}
	require.NoError(t, enc.Encode(req))

	resp := Response{ID: 7, OK: true, AST: []byte(`{"kind":"root"}`), NodeCount: 3}
	require.NoError(t, enc.Encode(resp))

	dec := NewDecoder(&buf)

	var gotReq Request
	require.NoError(t, dec.Decode(&gotReq))
	require.Equal(t, req, gotReq)

	var gotResp Response
	require.NoError(t, dec.Decode(&gotResp))
	require.Equal(t, resp.ID, gotResp.ID)
	require.Equal(t, resp.AST, gotResp.AST)
	require.Equal(t, 3, gotResp.NodeCount)
}

func TestDecode_EOFOnClosedPipe(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	var req Request
	require.ErrorIs(t, dec.Decode(&req), io.EOF)
}

func TestDecode_TruncatedFrame(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"id":1,"op":"ping"}`)) // no newline
	var req Request
	err := dec.Decode(&req)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecode_MalformedJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader("not json\n"))
	var req Request
	require.Error(t, dec.Decode(&req))
}

func TestEncode_FrameLimit(t *testing.T) {
	enc := NewEncoder(io.Discard)
	err := enc.Encode(Request{ID: 1, Op: OpParseText, Text: strings.Repeat("x", MaxLineBytes)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "frame limit")
}

func TestDecode_OneObjectPerLine(t *testing.T) {
	input := `{"id":1,"op":"ping"}
{"id":2,"op":"parse_text","text":"a = 1"}
`
	dec := NewDecoder(strings.NewReader(input))

	var first, second Request
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	require.Equal(t, uint64(1), first.ID)
	require.Equal(t, OpParseText, second.Op)

	var third Request
	require.ErrorIs(t, dec.Decode(&third), io.EOF)
}
