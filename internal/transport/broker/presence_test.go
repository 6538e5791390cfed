package broker

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	adhttp "github.com/mwickert/elicit/internal/adapters/http"
	"github.com/mwickert/elicit/internal/config"
	"github.com/mwickert/elicit/internal/relay"
	"github.com/mwickert/elicit/internal/segment"
)

// The broker carries the session traffic, but availability still comes
// from the relay's presence table: clients keep a registration plus
// heartbeat alive there so evaluators can discover them.
func TestClientAnnouncesPresenceAtRelay(t *testing.T) {
	cfg := &config.Config{Mode: "release", Secret: "test", PresenceTTL: 30 * time.Second}
	hub := relay.NewHub(cfg.PresenceTTL)
	router := adhttp.SetupRouter(context.Background(), cfg, hub, segment.NewStore())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"

	a := clientAdapter(&fakePublisher{})
	a.relayURL = wsURL
	a.HeartbeatPeriod = 20 * time.Millisecond
	a.announcePresence(context.Background())
	t.Cleanup(func() { a.Disconnect(context.Background()) })

	online := func() bool {
		for _, id := range hub.OnlineClients(Package) {
			if id == "cli" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, online, 2*time.Second, 10*time.Millisecond)

	// The heartbeat keeps the entry fresh well past one period.
	time.Sleep(5 * a.HeartbeatPeriod)
	require.True(t, online())
}
