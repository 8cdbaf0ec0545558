package gateway

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func detachedSession(srv *Server) *Session {
	return newSession(context.Background(), srv, nil, "")
}

func TestRegistryRegisterReplaces(t *testing.T) {
	srv := NewServer(testConfig(), &stubBackend{})
	reg := srv.Registry()

	first := detachedSession(srv)
	second := detachedSession(srv)

	reg.Register("dev", first)
	got, ok := reg.Lookup("dev")
	require.True(t, ok)
	assert.Same(t, first, got)

	reg.Register("dev", second)
	got, ok = reg.Lookup("dev")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, StateClosing, first.State())
	assert.Equal(t, StateAwaitingHello, second.State())
}

func TestRegistryUnregisterGuarded(t *testing.T) {
	srv := NewServer(testConfig(), &stubBackend{})
	reg := srv.Registry()

	stale := detachedSession(srv)
	live := detachedSession(srv)
	reg.Register("dev", stale)
	reg.Register("dev", live)

	assert.False(t, reg.Unregister("dev", stale))
	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Unregister("dev", live))
	assert.Zero(t, reg.Len())
	assert.False(t, reg.Unregister("dev", live))
}

func TestRegistryDeviceIDsAndClear(t *testing.T) {
	srv := NewServer(testConfig(), &stubBackend{})
	reg := srv.Registry()
	for _, id := range []string{"c", "a", "b"} {
		reg.Register(id, detachedSession(srv))
	}
	assert.Equal(t, []string{"a", "b", "c"}, reg.DeviceIDs())

	removed := reg.Clear()
	assert.Len(t, removed, 3)
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.DeviceIDs())
}

func TestRegistryConcurrentRegister(t *testing.T) {
	srv := NewServer(testConfig(), &stubBackend{})
	reg := srv.Registry()

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		sessions[i] = detachedSession(srv)
	}
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			reg.Register("dev", s)
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Len())
	cur, ok := reg.Lookup("dev")
	require.True(t, ok)
	closing := 0
	for _, s := range sessions {
		if s.State() == StateClosing {
			closing++
		}
	}
	assert.Equal(t, len(sessions)-1, closing)
	assert.NotEqual(t, StateClosing, cur.State())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	hooks := &hookRecorder{}
	srv := NewServer(testConfig(), &stubBackend{}, WithHooks(hooks))
	s := detachedSession(srv)
	s.deviceID = "dev"
	s.connected = true
	srv.Registry().Register("dev", s)

	s.closeWith(0, "test")
	s.closeWith(0, "test")

	assert.Zero(t, srv.Registry().Len())
	assert.Equal(t, []string{"disconnected:dev"}, hooks.snapshot())
	assert.Equal(t, StateClosing, s.State())
}
