package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gear6io/wirelink/pkg/metrics"
	"github.com/gear6io/wirelink/pkg/protocol"
	"github.com/gear6io/wirelink/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConnection(t *testing.T) *transport.Connection {
	t.Helper()
	a, b := net.Pipe()
	go io.Copy(io.Discard, b)

	c, err := transport.NewConnection(a, protocol.NewRegistry(), transport.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Close()
		c.Close()
	})
	return c
}

func TestConnectionSetCapacity(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(metrics.Options{Registerer: reg})
	require.NoError(t, err)
	s := NewConnectionSet(2, 0, 0, zerolog.Nop(), m)
	defer s.Close()

	c1, c2 := pipeConnection(t), pipeConnection(t)
	s.Add(c1)
	assert.False(t, s.Full())
	s.Add(c2)
	assert.True(t, s.Full())

	s.Reject(c1.RemoteAddr())
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(families, "wirelink_rejected_connections_total"))

	assert.True(t, s.Remove(c1))
	assert.False(t, s.Remove(c1))
	assert.False(t, s.Full())

	got, ok := s.Get(c2.ID())
	require.True(t, ok)
	assert.Same(t, c2, got)

	stats := s.Stats()
	assert.Equal(t, 1, stats["active_connections"])
	assert.EqualValues(t, 2, stats["total_connections"])
	assert.EqualValues(t, 2, stats["peak_connections"])
	assert.EqualValues(t, 1, stats["rejected_connections"])
}

func TestConnectionSetUnlimited(t *testing.T) {
	s := NewConnectionSet(0, 0, 0, zerolog.Nop(), nil)
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.Add(pipeConnection(t))
	}
	assert.False(t, s.Full())
	assert.Equal(t, 5, s.Len())
}

func TestConnectionSetSnapshotOrdered(t *testing.T) {
	s := NewConnectionSet(0, 0, 0, zerolog.Nop(), nil)
	defer s.Close()

	for i := 0; i < 4; i++ {
		s.Add(pipeConnection(t))
	}
	snap := s.Snapshot()
	require.Len(t, snap, 4)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].ID(), snap[i].ID())
	}
}

func TestConnectionSetReapIdle(t *testing.T) {
	s := NewConnectionSet(0, time.Minute, 0, zerolog.Nop(), nil)
	defer s.Close()

	c := pipeConnection(t)
	s.Add(c)

	assert.Equal(t, 0, s.reapIdle(time.Now()))
	assert.Equal(t, 1, s.reapIdle(time.Now().Add(2*time.Minute)))

	select {
	case <-c.Done():
		assert.Equal(t, protocol.EndOfStream, c.Reason())
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection not closed")
	}
}

func TestConnectionSetCloseAll(t *testing.T) {
	s := NewConnectionSet(0, 0, 0, zerolog.Nop(), nil)
	defer s.Close()

	conns := []*transport.Connection{pipeConnection(t), pipeConnection(t), pipeConnection(t)}
	for _, c := range conns {
		s.Add(c)
	}

	s.CloseAll(protocol.ServerShutdown)
	for _, c := range conns {
		assert.Equal(t, protocol.ServerShutdown, c.Reason())
	}
}

func counterValue(families []*dto.MetricFamily, name string) float64 {
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestConnectionSetStartReaper(t *testing.T) {
	disabled := NewConnectionSet(0, 0, time.Second, zerolog.Nop(), nil)
	assert.False(t, disabled.StartReaper())
	require.NoError(t, disabled.Close())

	s := NewConnectionSet(0, time.Minute, time.Second, zerolog.Nop(), nil)
	assert.True(t, s.StartReaper())
	assert.False(t, s.StartReaper())
	require.NoError(t, s.Close())

	closed := NewConnectionSet(0, time.Minute, time.Second, zerolog.Nop(), nil)
	require.NoError(t, closed.Close())
	assert.False(t, closed.StartReaper())
}
