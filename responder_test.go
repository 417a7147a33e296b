package keyshare

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/river-build/go-keyshare/config"
	"github.com/stretchr/testify/require"
)

func sharedSession(roomID, sessionID string) *ExportedSession {
	return &ExportedSession{
		SenderKey:  "key-alice",
		SessionID:  sessionID,
		RoomID:     roomID,
		SessionKey: "secret-" + sessionID,
		Algorithm:  MegolmAlgorithm,
	}
}

func bobRequest(req *KeyRequest) *KeyRequest {
	if req.RequestID == "" {
		req.RequestID = "req-1"
	}
	if req.SenderKey == "" {
		req.SenderKey = "ik-bob-B1"
	}
	req.Algorithm = MegolmAlgorithm
	return req
}

func TestRespondsWithUnknownSharedSessions(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.client.addDevice("bob", "B1")
	h.client.addDevice("bob", "B2")
	h.delegate.setRoom("r1", "alice", "bob")
	h.client.crypto.add(sharedSession("r1", "s1"), true)
	h.client.crypto.add(sharedSession("r1", "s2"), true)
	h.client.crypto.add(sharedSession("r1", "s3"), true)
	h.client.crypto.add(sharedSession("r1", "s4"), false)
	h.client.crypto.add(sharedSession("r2", "s5"), true)

	req := bobRequest(&KeyRequest{
		SpaceID:         "sp",
		ChannelID:       "r1",
		Session:         &SessionRef{SenderKey: "key-alice", SessionID: "s4"},
		KnownSessionIDs: []string{"s1"},
	})
	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	msgs := h.client.messages()
	require.Len(msgs, 1)
	require.Equal(MessageKindKeyResponse, msgs[0].kind)
	require.Equal([]string{"bob:B1"}, targetIDs(msgs[0].targets))

	resp := h.responses()[0]
	require.Equal("req-1", resp.RequestID)
	require.Equal(ResponseKeysFound, resp.Kind)
	require.Equal("sp", resp.SpaceID)
	require.Equal("r1", resp.ChannelID)
	ids := make([]string, len(resp.Sessions))
	for i, s := range resp.Sessions {
		ids[i] = s.SessionID
		require.Equal("r1", s.RoomID)
		require.Equal("secret-"+s.SessionID, s.SessionKey)
	}
	require.Equal([]string{"s2", "s3", "s4"}, ids)
	require.Equal(float64(1), testutil.ToFloat64(h.ext.metrics.inboundRequests.WithLabelValues(outcomeKeysFound)))
}

func TestRequestedSessionNotDuplicated(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.addDevice("bob", "B1")
	h.delegate.setRoom("r1", "alice", "bob")
	h.client.crypto.add(sharedSession("r1", "s1"), true)

	req := bobRequest(&KeyRequest{
		SpaceID: "r1",
		Session: &SessionRef{SenderKey: "key-alice", SessionID: "s1"},
	})
	require.Nil(h.ext.handleToDevice(context.Background(), toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	resp := h.responses()[0]
	require.Equal(ResponseKeysFound, resp.Kind)
	require.Len(resp.Sessions, 1)
	require.Empty(resp.ChannelID)
}

func TestNothingSentToUnentitledPeer(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.addDevice("bob", "B1")
	h.delegate.setRoom("r1", "alice", "bob")
	h.delegate.deny("bob")
	h.client.crypto.add(sharedSession("r1", "s1"), true)

	req := bobRequest(&KeyRequest{SpaceID: "sp", ChannelID: "r1"})
	require.Nil(h.ext.handleToDevice(context.Background(), toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	require.Empty(h.client.messages())
	require.Equal(float64(1), testutil.ToFloat64(h.ext.metrics.inboundRequests.WithLabelValues(outcomeNotEntitled)))
}

func TestRequestsFromUnknownDevicesIgnored(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.client.addDevice("bob", "B1")
	h.client.addDevice("carol", "C1")
	h.delegate.setRoom("r1", "alice", "bob", "carol")
	h.client.crypto.add(sharedSession("r1", "s1"), true)

	// no device with this key
	req := bobRequest(&KeyRequest{SpaceID: "sp", ChannelID: "r1", SenderKey: "ik-unknown"})
	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	// key belongs to somebody else
	req = bobRequest(&KeyRequest{SpaceID: "sp", ChannelID: "r1", SenderKey: "ik-carol-C1"})
	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	require.Empty(h.client.messages())
	require.Equal(float64(2), testutil.ToFloat64(h.ext.metrics.inboundRequests.WithLabelValues(outcomeUnknownDevice)))
}

func TestInvalidRequestsIgnored(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t)
	h.client.addDevice("bob", "B1")
	h.delegate.setRoom("r1", "alice", "bob")

	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, &KeyRequest{RequestID: "x", SenderKey: "ik-bob-B1"})))
	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, &KeyRequest{RequestID: "x", SpaceID: "r1"})))

	ev := toDevice(t, "bob", "B1", MessageKindKeyRequest, bobRequest(&KeyRequest{SpaceID: "r1"}))
	ev.Content = nil
	require.Nil(h.ext.handleToDevice(ctx, ev))

	ev.Content = []byte{0xff, 0x00}
	require.NotNil(h.ext.handleToDevice(ctx, ev))

	require.Empty(h.client.messages())
	require.Equal(float64(2), testutil.ToFloat64(h.ext.metrics.inboundRequests.WithLabelValues(outcomeInvalid)))
}

func TestRespondsRoomNotFound(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.addDevice("bob", "B1")

	req := bobRequest(&KeyRequest{SpaceID: "sp", ChannelID: "gone"})
	require.Nil(h.ext.handleToDevice(context.Background(), toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	resps := h.responses()
	require.Len(resps, 1)
	require.Equal(ResponseRoomNotFound, resps[0].Kind)
	require.Empty(resps[0].Sessions)
}

func TestRespondsKeysNotFound(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.addDevice("bob", "B1")
	h.delegate.setRoom("r1", "alice", "bob")
	h.client.crypto.add(sharedSession("r1", "s1"), true)
	// held under a different room than the one requested
	h.client.crypto.add(sharedSession("r2", "s2"), false)

	req := bobRequest(&KeyRequest{
		SpaceID:         "sp",
		ChannelID:       "r1",
		Session:         &SessionRef{SenderKey: "key-alice", SessionID: "s2"},
		KnownSessionIDs: []string{"s1"},
	})
	require.Nil(h.ext.handleToDevice(context.Background(), toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	resps := h.responses()
	require.Len(resps, 1)
	require.Equal(ResponseKeysNotFound, resps[0].Kind)
	require.Empty(resps[0].Sessions)
}

func TestRevokedPeerGetsNothingMore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	h := newHarness(t, config.WithEntitlementCacheTTLMs(30000))
	h.client.addDevice("bob", "B1")
	h.delegate.setRoom("r1", "alice", "bob")
	h.client.crypto.add(sharedSession("r1", "s1"), true)

	req := bobRequest(&KeyRequest{SpaceID: "sp", ChannelID: "r1"})
	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))
	require.Len(h.responses(), 1)

	h.delegate.deny("bob")
	req = bobRequest(&KeyRequest{RequestID: "req-2", SpaceID: "sp", ChannelID: "r1"})
	require.Nil(h.ext.handleToDevice(ctx, toDevice(t, "bob", "B1", MessageKindKeyRequest, req)))

	require.Len(h.client.messages(), 1)
	require.Equal(float64(1), testutil.ToFloat64(h.ext.metrics.inboundRequests.WithLabelValues(outcomeNotEntitled)))
}

func TestOnlyRefusalsAreCached(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := newFakeDelegate()
	ec := newEntitlementCache(d, time.Minute)

	ok, err := ec.isEntitled(ctx, "sp", "r1", "bob", PermissionRead)
	require.Nil(err)
	require.True(ok)
	ok, err = ec.isEntitled(ctx, "sp", "r1", "bob", PermissionRead)
	require.Nil(err)
	require.True(ok)
	require.Equal(2, d.checkCount())

	d.deny("carol")
	ok, err = ec.isEntitled(ctx, "sp", "r1", "carol", PermissionRead)
	require.Nil(err)
	require.False(ok)
	ok, _ = ec.isEntitled(ctx, "sp", "r1", "carol", PermissionRead)
	require.False(ok)
	require.Equal(3, d.checkCount())

	uncached := newEntitlementCache(d, 0)
	_, _ = uncached.isEntitled(ctx, "sp", "r1", "carol", PermissionRead)
	_, _ = uncached.isEntitled(ctx, "sp", "r1", "carol", PermissionRead)
	require.Equal(5, d.checkCount())
}
