package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/wire"
)

type fakeConn struct {
	sent   []any
	closed bool
}

func (c *fakeConn) Send(v any) error { c.sent = append(c.sent, v); return nil }
func (c *fakeConn) Close()           { c.closed = true }

func (c *fakeConn) lastSessionStarted(t *testing.T) wire.SessionStarted {
	t.Helper()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if s, ok := c.sent[i].(wire.SessionStarted); ok {
			return s
		}
	}
	t.Fatal("no session_started sent")
	return wire.SessionStarted{}
}

func pairedHub(t *testing.T) (*Hub, *fakeConn, *fakeConn) {
	t.Helper()
	h := NewHub(30 * time.Second)
	eval, cli := &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Register("eva", domain.RoleEvaluator, "relayed", eval))
	require.NoError(t, h.Register("cli", domain.RoleClient, "relayed", cli))
	return h, eval, cli
}

func TestStartSessionNotifiesBothSides(t *testing.T) {
	h, eval, cli := pairedHub(t)

	sess, err := h.StartSession("eva", "cli")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	for _, c := range []*fakeConn{eval, cli} {
		got := c.lastSessionStarted(t)
		assert.Equal(t, sess.ID, got.SessionID)
		assert.Equal(t, domain.UserID("eva"), got.EvaluatorID)
		assert.Equal(t, domain.UserID("cli"), got.ClientID)
	}
}

func TestStartSessionRequiresMatchingPackage(t *testing.T) {
	h := NewHub(30 * time.Second)
	require.NoError(t, h.Register("eva", domain.RoleEvaluator, "peer", &fakeConn{}))
	require.NoError(t, h.Register("cli", domain.RoleClient, "relayed", &fakeConn{}))

	_, err := h.StartSession("eva", "cli")
	assert.ErrorIs(t, err, ErrClientOffline)
}

func TestSecondStartSessionRejected(t *testing.T) {
	h, _, _ := pairedHub(t)
	_, err := h.StartSession("eva", "cli")
	require.NoError(t, err)
	_, err = h.StartSession("eva", "cli")
	assert.ErrorIs(t, err, ErrAlreadyInSession)
}

func TestImageAndAckRouting(t *testing.T) {
	h, eval, cli := pairedHub(t)
	_, err := h.StartSession("eva", "cli")
	require.NoError(t, err)

	require.NoError(t, h.ForwardImageUpdate("eva", wire.ImageUpdate{ImageIndex: 2, ImageURL: "x", SentAt: 100}))
	u, ok := cli.sent[len(cli.sent)-1].(wire.ImageUpdate)
	require.True(t, ok)
	assert.Equal(t, 2, u.ImageIndex)
	assert.Equal(t, wire.EventImageUpdate, u.Type)

	require.NoError(t, h.ForwardAck("cli", wire.ImageAck{SentAt: 100, ReceivedAt: 130}))
	a, ok := eval.sent[len(eval.sent)-1].(wire.ImageAck)
	require.True(t, ok)
	assert.Equal(t, int64(130), a.ReceivedAt)
}

func TestForwardSignalIsVerbatimAndReaddressed(t *testing.T) {
	h, _, cli := pairedHub(t)

	body := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, h.ForwardSignal("eva", wire.WebRTCSignal{TargetUserID: "cli", Signal: body}))

	sig, ok := cli.sent[len(cli.sent)-1].(wire.WebRTCSignal)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("eva"), sig.TargetUserID)
	assert.JSONEq(t, string(body), string(sig.Signal))
}

func TestDisconnectMidSessionNotifiesPeer(t *testing.T) {
	h, eval, cli := pairedHub(t)
	_, err := h.StartSession("eva", "cli")
	require.NoError(t, err)

	h.Disconnect("cli", cli)

	_, ok := eval.sent[len(eval.sent)-1].(wire.EndSession)
	assert.True(t, ok)
	_, active := h.SessionFor("eva")
	assert.False(t, active)
}

// A re-registration replaces the connection before the displaced
// socket's teardown runs; that teardown carries the stale conn and
// must not wipe the fresh registration, its presence, or a session.
func TestStaleConnTeardownKeepsFreshRegistration(t *testing.T) {
	h := NewHub(30 * time.Second)
	eval := &fakeConn{}
	require.NoError(t, h.Register("eva", domain.RoleEvaluator, "relayed", eval))

	first, second := &fakeConn{}, &fakeConn{}
	require.NoError(t, h.Register("cli", domain.RoleClient, "relayed", first))
	require.NoError(t, h.Register("cli", domain.RoleClient, "relayed", second))
	require.True(t, first.closed)

	_, err := h.StartSession("eva", "cli")
	require.NoError(t, err)

	// The displaced socket tears down now.
	h.Disconnect("cli", first)

	assert.ElementsMatch(t, []domain.UserID{"cli"}, h.OnlineClients("relayed"))
	_, active := h.SessionFor("eva")
	assert.True(t, active)

	require.NoError(t, h.ForwardImageUpdate("eva", wire.ImageUpdate{ImageIndex: 1}))
	u, ok := second.sent[len(second.sent)-1].(wire.ImageUpdate)
	require.True(t, ok)
	assert.Equal(t, 1, u.ImageIndex)

	// Teardown of the live connection still disconnects for real.
	h.Disconnect("cli", second)
	assert.Empty(t, h.OnlineClients("relayed"))
}

func TestReRegisterClosesStaleConnection(t *testing.T) {
	h := NewHub(30 * time.Second)
	first := &fakeConn{}
	require.NoError(t, h.Register("cli", domain.RoleClient, "relayed", first))
	require.NoError(t, h.Register("cli", domain.RoleClient, "relayed", &fakeConn{}))
	assert.True(t, first.closed)
}

func TestPresenceStaleness(t *testing.T) {
	h := NewHub(30 * time.Second)
	require.NoError(t, h.Register("cli", domain.RoleClient, "broker", &fakeConn{}))
	require.NoError(t, h.Register("other", domain.RoleClient, "relayed", &fakeConn{}))

	assert.ElementsMatch(t, []domain.UserID{"cli"}, h.OnlineClients("broker"))
	assert.Len(t, h.OnlineClients(""), 2)

	// Advance the hub clock past the threshold; only a refreshed entry
	// should survive.
	base := time.Now()
	h.now = func() time.Time { return base.Add(31 * time.Second) }
	h.Heartbeat("other", "")
	assert.Empty(t, h.OnlineClients("broker"))
	assert.ElementsMatch(t, []domain.UserID{"other"}, h.OnlineClients(""))
}
