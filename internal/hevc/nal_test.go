// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hevc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func annexBNAL(nalType byte, payload []byte) []byte {
	nal := append([]byte{nalType << 1, 0x01}, payload...)
	return append([]byte{0x00, 0x00, 0x00, 0x01}, nal...)
}

func avccNAL(nalType byte, payload []byte) []byte {
	nal := append([]byte{nalType << 1, 0x01}, payload...)
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(nal)))
	return append(lenPrefix, nal...)
}

// ppsPayload is sized so the PPS NAL's total length (2-byte header + this
// payload) equals maxParamNALLength exactly: in the raw-form test this
// makes the assumed-end-of-parameter-sets boundary land exactly on the true
// end of the PPS NAL, with nothing from the AVCC slice swallowed.
var ppsPayload = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}

func sampleParameterSets() []byte {
	var buf []byte
	buf = append(buf, annexBNAL(NALTypeVPS, []byte{0xAA, 0xBB})...)
	buf = append(buf, annexBNAL(NALTypeSPS, []byte{0xCC, 0xDD, 0xEE})...)
	buf = append(buf, annexBNAL(NALTypePPS, ppsPayload)...)
	return buf
}

func TestExtractRawForm(t *testing.T) {
	paramSets := sampleParameterSets()
	slice := avccNAL(NALTypeSEIPrefix, []byte{0x01, 0x02})
	slice = append(slice, avccNAL(19, []byte{0x10, 0x20, 0x30})...)

	frame := append(append([]byte{}, paramSets...), slice...)

	result, err := Extract(frame)
	require.NoError(t, err)
	assert.Equal(t, FormRaw, result.Form)
	require.NotNil(t, result.Params.VPS)
	require.NotNil(t, result.Params.SPS)
	require.NotNil(t, result.Params.PPS)
	assert.Equal(t, []byte{0xAA, 0xBB}, result.Params.VPS[2:])
	assert.Equal(t, []byte{0xCC, 0xDD, 0xEE}, result.Params.SPS[2:])
	assert.Equal(t, ppsPayload, result.Params.PPS[2:])

	// SEI must have been stripped, leaving only the slice NAL.
	assert.Equal(t, avccNAL(19, []byte{0x10, 0x20, 0x30}), result.Remaining)
}

func TestExtractFramedForm(t *testing.T) {
	paramSets := sampleParameterSets()
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(paramSets)))
	slice := avccNAL(19, []byte{0x10, 0x20})

	frame := append(append(append([]byte{}, lenPrefix...), paramSets...), slice...)

	result, err := Extract(frame)
	require.NoError(t, err)
	assert.Equal(t, FormFramed, result.Form)
	assert.Equal(t, slice, result.Remaining)
}

func TestExtractNotFound(t *testing.T) {
	_, err := Extract([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.ErrorIs(t, err, ErrParameterSetsNotFound)
}

func TestStripLeadingSEIMultiple(t *testing.T) {
	sei1 := avccNAL(NALTypeSEIPrefix, []byte{0x01})
	sei2 := avccNAL(NALTypeSEISuffix, []byte{0x02})
	slice := avccNAL(19, []byte{0x03, 0x04})

	avcc := append(append(append([]byte{}, sei1...), sei2...), slice...)
	assert.Equal(t, slice, stripLeadingSEI(avcc))
}

func TestFindStartCodesHandlesBothWidths(t *testing.T) {
	data := []byte{0x00, 0x00, 0x01, 0xAA, 0x00, 0x00, 0x00, 0x01, 0xBB}
	codes := findStartCodes(data)
	require.Len(t, codes, 2)
	assert.Equal(t, 0, codes[0].offset)
	assert.Equal(t, 3, codes[0].length)
	assert.Equal(t, 4, codes[1].offset)
	assert.Equal(t, 4, codes[1].length)
}
