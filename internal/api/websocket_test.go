package api

import (
	"testing"

	"github.com/iotelec/simulator-core/internal/infrastructure/config"
	"github.com/iotelec/simulator-core/internal/infrastructure/logging"
)

func newTestHubs() *SessionHubs {
	return NewSessionHubs(config.WebSocketConfig{
		MaxMessageSize: 65536,
		PingInterval:   30,
		PongTimeout:    10,
	}, logging.Default())
}

func TestSessionHubsCreateAndClose(t *testing.T) {
	hubs := newTestHubs()

	created := hubs.Create("s1").(*SessionHub)
	got, ok := hubs.Get("s1")
	if !ok || got != created {
		t.Fatal("Get() should return the created hub")
	}
	if _, ok := hubs.Get("s2"); ok {
		t.Error("Get() of an unknown session should report absence")
	}

	created.Close(0)
	if _, ok := hubs.Get("s1"); ok {
		t.Error("a closed hub should be evicted")
	}
	created.Close(0) // idempotent
}

func TestSupersededHubCloseKeepsReplacement(t *testing.T) {
	hubs := newTestHubs()

	stale := hubs.Create("s1").(*SessionHub)
	replacement := hubs.Create("s1").(*SessionHub)
	if stale == replacement {
		t.Fatal("re-creating a session's hub should build a fresh one")
	}

	// The superseded hub closing late must not evict the live one.
	stale.Close(0)
	got, ok := hubs.Get("s1")
	if !ok {
		t.Fatal("live session lost its observer hub to a superseded hub's close")
	}
	if got != replacement {
		t.Fatal("Get() should return the replacement hub")
	}

	replacement.Close(0)
	if _, ok := hubs.Get("s1"); ok {
		t.Error("closing the live hub should evict it")
	}
}
