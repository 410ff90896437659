package token

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkchat/fkchat/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestSelectBestPicksLowestLoadRatio(t *testing.T) {
	r := NewRegistry()
	a := r.Register("chat-a", "10.0.0.1", 9500, "z1", 100)
	b := r.Register("chat-b", "10.0.0.2", 9500, "z1", 100)

	a.CurrentLoad.Store(50)
	b.CurrentLoad.Store(10)

	got, err := r.SelectBest()
	require.NoError(t, err)
	assert.Equal(t, "chat-b", got.ID)
	// Selection bumps the winner optimistically.
	assert.Equal(t, int64(11), b.CurrentLoad.Load())
}

func TestSelectBestTieBreaksOnID(t *testing.T) {
	r := NewRegistry()
	r.Register("chat-b", "10.0.0.2", 9500, "z1", 100)
	r.Register("chat-a", "10.0.0.1", 9500, "z1", 100)

	got, err := r.SelectBest()
	require.NoError(t, err)
	assert.Equal(t, "chat-a", got.ID)
}

func TestSelectBestRatioBeatsAbsoluteLoad(t *testing.T) {
	r := NewRegistry()
	small := r.Register("chat-small", "10.0.0.1", 9500, "z1", 100)
	big := r.Register("chat-big", "10.0.0.2", 9500, "z1", 10000)

	small.CurrentLoad.Store(50)  // ratio 0.5
	big.CurrentLoad.Store(1000)  // ratio 0.1

	got, err := r.SelectBest()
	require.NoError(t, err)
	assert.Equal(t, "chat-big", got.ID)
}

func TestSelectBestSkipsFullAndInactive(t *testing.T) {
	r := NewRegistry()
	full := r.Register("chat-full", "10.0.0.1", 9500, "z1", 10)
	full.CurrentLoad.Store(10)
	inactive := r.Register("chat-off", "10.0.0.2", 9500, "z1", 100)
	inactive.Active.Store(false)

	_, err := r.SelectBest()
	assert.ErrorIs(t, err, ErrNoActiveServers)

	ok := r.Register("chat-ok", "10.0.0.3", 9500, "z1", 100)
	got, err := r.SelectBest()
	require.NoError(t, err)
	assert.Same(t, ok, got)
}

func TestReportLoadOverwritesAndReactivates(t *testing.T) {
	r := NewRegistry()
	d := r.Register("chat-a", "10.0.0.1", 9500, "z1", 100)
	d.Active.Store(false)
	d.CurrentLoad.Store(99)

	require.NoError(t, r.ReportLoad("chat-a", 3))
	assert.Equal(t, int64(3), d.CurrentLoad.Load())
	assert.True(t, d.Active.Load())

	assert.ErrorIs(t, r.ReportLoad("chat-nope", 1), ErrUnknownServer)
}

func TestSweepDemotesSilentServers(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	stale := r.Register("chat-stale", "10.0.0.1", 9500, "z1", 100)
	fresh := r.Register("chat-fresh", "10.0.0.2", 9500, "z1", 100)

	// Only chat-fresh reports within the grace window.
	now = now.Add(2 * time.Minute)
	require.NoError(t, r.ReportLoad("chat-fresh", 1))

	demoted := r.Sweep(90 * time.Second)
	assert.Equal(t, 1, demoted)
	assert.False(t, stale.Active.Load())
	assert.True(t, fresh.Active.Load())

	// Demoted servers come back with their next report.
	require.NoError(t, r.ReportLoad("chat-stale", 0))
	assert.True(t, stale.Active.Load())
}

func TestRegisterResetsLoad(t *testing.T) {
	r := NewRegistry()
	d := r.Register("chat-a", "10.0.0.1", 9500, "z1", 100)
	d.CurrentLoad.Store(42)

	again := r.Register("chat-a", "10.0.0.9", 9501, "z2", 200)
	assert.Same(t, d, again)
	assert.Equal(t, int64(0), d.CurrentLoad.Load())
	assert.Equal(t, "10.0.0.9", d.Host)
	assert.Equal(t, 9501, d.Port)
	assert.Equal(t, 200, d.MaxConnections)
}
