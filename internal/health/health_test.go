package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/lotus-agent/internal/clock"
)

func TestSourceTransitionsTrackLastChange(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	r := NewRegistry(clk)

	r.SourceOK("api")
	first, ok := r.Source("api")
	require.True(t, ok)
	assert.Equal(t, StatusOK, first.Status)
	assert.Equal(t, time.Unix(1000, 0), first.LastChange)

	clk.Advance(time.Second)
	r.SourceOK("api")
	again, _ := r.Source("api")
	assert.Equal(t, first.LastChange, again.LastChange, "no transition, no change time update")
	assert.Equal(t, time.Unix(1001, 0), again.LastOK)

	clk.Advance(time.Second)
	r.SourceFailed("api", errors.New("connection refused"))
	failed, _ := r.Source("api")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "connection refused", failed.LastError)
	assert.Equal(t, time.Unix(1002, 0), failed.LastChange)
}

func TestSnapshotHealthyFollowsDelivery(t *testing.T) {
	r := NewRegistry(nil)
	r.SourceFailed("db", errors.New("timeout"))
	assert.True(t, r.Snapshot().Healthy(), "source failures do not make the agent unhealthy")

	r.DeliveryFailed("http", errors.New("503"))
	assert.False(t, r.Snapshot().Healthy())

	now := time.Now()
	r.DeliveryOK("http", now)
	snap := r.Snapshot()
	assert.True(t, snap.Healthy())
	require.Len(t, snap.Delivery, 1)
	assert.Equal(t, now, snap.Delivery[0].LastSendTime)
	assert.Empty(t, snap.Delivery[0].LastError)
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.SourceOK("x")
	r.SourceFailed("x", nil)
	r.DeliveryOK("x", time.Now())
	r.DeliveryFailed("x", nil)
}
