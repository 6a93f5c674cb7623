/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package logic

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NealSCarffery/qemu-colo/go/base"
)

func newHeartbeatFixture(t *testing.T, role base.Role, cluster, secret string) (*HeartbeatService, *failoverFixture) {
	t.Helper()
	fixture := newFailoverFixture(t, role)
	fixture.migrationContext.ClusterName = cluster
	fixture.migrationContext.AppVersion = "1.0.0"
	fixture.migrationContext.SetPeerSecret(secret)
	service := NewHeartbeatService(fixture.migrationContext, fixture.controller)
	t.Cleanup(service.Stop)
	return service, fixture
}

func TestHeartbeatHandshake(t *testing.T) {
	server, serverFixture := newHeartbeatFixture(t, base.RoleSecondary, "alpha", "s3cret")
	serverFixture.migrationContext.HeartbeatListenAddr = "127.0.0.1:0"
	require.NoError(t, server.Listen())
	require.NotEmpty(t, server.Addr())
	peerURL := "http://" + server.Addr()

	t.Run("success", func(t *testing.T) {
		client, clientFixture := newHeartbeatFixture(t, base.RolePrimary, "alpha", "s3cret")
		clientFixture.migrationContext.PeerHeartbeatURL = peerURL
		require.NoError(t, client.Handshake())
		require.False(t, server.LastPeerSeen().IsZero())
	})

	t.Run("bad secret", func(t *testing.T) {
		client, clientFixture := newHeartbeatFixture(t, base.RolePrimary, "alpha", "wrong")
		clientFixture.migrationContext.PeerHeartbeatURL = peerURL
		err := client.Handshake()
		require.Error(t, err)
		require.Contains(t, err.Error(), "bad cluster secret")
	})

	t.Run("cluster mismatch", func(t *testing.T) {
		client, clientFixture := newHeartbeatFixture(t, base.RolePrimary, "beta", "s3cret")
		clientFixture.migrationContext.PeerHeartbeatURL = peerURL
		err := client.Handshake()
		require.Error(t, err)
		require.Contains(t, err.Error(), "cluster name mismatch")
	})

	t.Run("stale peer version", func(t *testing.T) {
		client, clientFixture := newHeartbeatFixture(t, base.RolePrimary, "alpha", "s3cret")
		clientFixture.migrationContext.AppVersion = "0.8.1"
		clientFixture.migrationContext.PeerHeartbeatURL = peerURL
		err := client.Handshake()
		require.Error(t, err)
		require.Contains(t, err.Error(), "does not satisfy")
	})

	t.Run("role conflict", func(t *testing.T) {
		client, clientFixture := newHeartbeatFixture(t, base.RoleSecondary, "alpha", "s3cret")
		clientFixture.migrationContext.PeerHeartbeatURL = peerURL
		err := client.Handshake()
		require.Error(t, err)
		require.Contains(t, err.Error(), "role conflict")
	})

	t.Run("prerelease version satisfies by core", func(t *testing.T) {
		client, clientFixture := newHeartbeatFixture(t, base.RolePrimary, "alpha", "s3cret")
		clientFixture.migrationContext.AppVersion = "0.9.0-beta.1"
		clientFixture.migrationContext.PeerHeartbeatURL = peerURL
		require.NoError(t, client.Handshake())
	})

	t.Run("no peer configured", func(t *testing.T) {
		client, _ := newHeartbeatFixture(t, base.RolePrimary, "alpha", "s3cret")
		require.NoError(t, client.Handshake())
	})
}

func TestHeartbeatProbeTracksPeer(t *testing.T) {
	peer, peerFixture := newHeartbeatFixture(t, base.RoleSecondary, "alpha", "s3cret")
	peerFixture.migrationContext.HeartbeatListenAddr = "127.0.0.1:0"
	require.NoError(t, peer.Listen())

	_, proberFixture := newHeartbeatFixture(t, base.RolePrimary, "alpha", "s3cret")
	proberFixture.migrationContext.PeerHeartbeatURL = "http://" + peer.Addr()
	proberFixture.migrationContext.SetHeartbeatIntervalMillis(100)
	prober := NewHeartbeatService(proberFixture.migrationContext, proberFixture.controller)
	t.Cleanup(prober.Stop)

	require.True(t, peer.LastPeerSeen().IsZero())
	prober.Probe()

	// A reachable peer keeps the miss count at zero and leaves a
	// last-seen trace on the peer side.
	require.Eventually(t, func() bool {
		return !peer.LastPeerSeen().IsZero()
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.False(t, proberFixture.controller.IsRequested())

	// Once the peer goes away, consecutive misses cross the threshold
	// and request failover.
	peer.Stop()
	require.Eventually(t, func() bool {
		return proberFixture.controller.IsRequested()
	}, 10*time.Second, 10*time.Millisecond)
	require.Contains(t, proberFixture.controller.Reason(), "lost heartbeat")

	proberFixture.controller.WaitForCompletion()
	require.EqualValues(t, 1, atomic.LoadInt64(&proberFixture.comparator.destroyCount))
}

func TestHeartbeatProbeLossRequestsFailover(t *testing.T) {
	_, fixture := newHeartbeatFixture(t, base.RolePrimary, "alpha", "s3cret")
	fixture.migrationContext.PeerHeartbeatURL = "http://127.0.0.1:1"
	fixture.migrationContext.SetHeartbeatIntervalMillis(100)
	service := NewHeartbeatService(fixture.migrationContext, fixture.controller)
	t.Cleanup(service.Stop)

	service.Probe()
	require.Eventually(t, func() bool {
		return fixture.controller.IsRequested()
	}, 10*time.Second, 10*time.Millisecond)
	require.Contains(t, fixture.controller.Reason(), "consecutive probe failures")

	fixture.controller.WaitForCompletion()
	require.EqualValues(t, 1, atomic.LoadInt64(&fixture.comparator.destroyCount))
}
