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

// Package metrics holds every prometheus counter/gauge exposed by the
// client's transport pipeline. Centralizing registration here (rather than
// scattering promauto calls per-package) mirrors controller/metrics.go in
// the teacher repo.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meta-boy/miragekit-client/common"
)

// Router (C1) counters.
var (
	RouterDroppedPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "router_dropped_packets_total",
			Help:      "Datagrams dropped by the packet router, by reason.",
		},
		[]string{"reason"},
	)

	RouterReceivedPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "router_received_packets_total",
			Help:      "Datagrams handed off to a reassembler.",
		},
	)

	RouterRegisteredStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "router_registered_streams",
			Help:      "Streams currently registered with the packet router.",
		},
	)
)

// Reassembler (C2) counters.
var (
	ReassemblerDroppedFragments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "reassembler_dropped_fragments_total",
			Help:      "Fragments dropped during admission, by reason.",
		},
		[]string{"reason"},
	)

	ReassemblerDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "reassembler_dropped_frames_total",
			Help:      "Pending frames dropped: timed out or superseded.",
		},
	)

	ReassemblerDeliveredFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "reassembler_delivered_frames_total",
			Help:      "Frames delivered to the decoder, by kind.",
		},
		[]string{"kind"},
	)

	ReassemblerPendingFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "reassembler_pending_frames",
			Help:      "Pending (incomplete) frames of the most recently processed stream, sampled after each admitted fragment.",
		},
	)
)

// Decoder (C3) counters.
var (
	DecoderErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "decoder_errors_total",
			Help:      "Decode callback failures.",
		},
	)

	DecoderThresholdFires = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "decoder_threshold_fires_total",
			Help:      "Times the decode-error threshold callback fired.",
		},
	)

	DecoderSessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "decoder_sessions_created_total",
			Help:      "Hardware decoder sessions created.",
		},
	)

	DecoderKeyframeFraming = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "decoder_keyframe_framing_total",
			Help:      "Keyframes observed, by parameter-set framing form.",
		},
		[]string{"form"},
	)

	DecoderInputBlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "decoder_input_blocked_streams",
			Help:      "Streams currently blocking input due to decoder health.",
		},
	)
)

// Session (C4) counters.
var (
	SessionKeyframeRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "session_keyframe_requests_total",
			Help:      "Keyframe requests sent to the host.",
		},
	)

	SessionActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Name:      "session_active_streams",
			Help:      "Streams currently started.",
		},
	)

	SessionFirstFrameLatencyMs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.App,
			Name:      "session_first_frame_latency_milliseconds",
			Help:      "Time from stream start to first decoded picture.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
		},
	)
)
