// metrics/metrics_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ChunkInserted(true, 10)
	m.SessionOpened()
	m.SessionClosed("aborted")
	m.GCFinished("ok", 1, 2, time.Second)
	m.VerifyFailed("corrupt")
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	// Registering twice with the same registry is tolerated.
	New(reg)

	m.ChunkInserted(false, 100)
	m.ChunkInserted(false, 50)
	m.ChunkInserted(true, 100)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksInserted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksDeduplicated))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.ChunkBytesWritten))

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("committed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(m.SessionsFinished.WithLabelValues("committed")))

	m.GCFinished("ok", 3, 4096, time.Second)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.GCChunksRemoved))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.GCBytesReclaimed))
}
