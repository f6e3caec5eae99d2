// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) (*StreamingMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewStreamingMetrics(reg), reg
}

func TestRecordRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest(EndpointChat, "completed")
	m.RecordRequest(EndpointChat, "completed")
	m.RecordRequest(EndpointChat, "cancelled")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "cancelled")))
}

func TestRecordRejection(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordRejection(EndpointChat, "rate_limit:chat")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues("chat", "rate_limit:chat")))
}

func TestRecordTokens(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.RecordTokens(0, 42, "gpt-oss:20b")
	m.RecordTokens(0, 8, "gpt-oss:20b")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "gpt-oss:20b")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "gpt-oss:20b")))
}

func TestActiveStreams(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.StreamStarted(EndpointChat)
	m.StreamStarted(EndpointChat)
	m.StreamEnded(EndpointChat)
	m.StreamStarted(EndpointResume)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("resume")))
}

func TestHistogramsAndCounters(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordTimeToFirstToken(EndpointChat, 0.3)
	m.RecordStreamDuration(EndpointChat, 4, "completed")
	m.RecordKeepAlive(EndpointChat)
	m.RecordClientDisconnect(EndpointChat)
	m.RecordError(EndpointChat, ErrorCodeLLMError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat", "llm_error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["aleutian_tutor_time_to_first_token_seconds"])
	assert.True(t, names["aleutian_tutor_stream_duration_seconds"])
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *StreamingMetrics
	assert.NotPanics(t, func() {
		m.RecordRequest(EndpointChat, "completed")
		m.RecordRejection(EndpointChat, "bad_request:api")
		m.RecordError(EndpointChat, ErrorCodeLLMError)
		m.RecordTokens(1, 2, "m")
		m.StreamStarted(EndpointChat)
		m.StreamEnded(EndpointChat)
		m.RecordTimeToFirstToken(EndpointChat, 1)
		m.RecordStreamDuration(EndpointChat, 1, "failed")
		m.RecordKeepAlive(EndpointChat)
		m.RecordClientDisconnect(EndpointChat)
	})
}

func TestInitMetrics_ReturnsSameInstance(t *testing.T) {
	first := InitMetrics()
	second := InitMetrics()
	assert.Same(t, first, second)
	assert.Same(t, DefaultMetrics, first)
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NotPanics(t, func() { shutdown(context.Background()) })
}
