package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullstorydev/grpcwire/status"
)

func TestParseKnownScheme(t *testing.T) {
	f, target, err := DefaultRegistry.Parse("passthrough:///10.0.0.1:50051")
	require.NoError(t, err)
	assert.Equal(t, "passthrough", f.Scheme())
	assert.Equal(t, "10.0.0.1:50051", target.Endpoint)
}

func TestParseFallsBackToDefaultScheme(t *testing.T) {
	f, target, err := DefaultRegistry.Parse("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, "dns", f.Scheme())
	// the whole original string becomes the endpoint
	assert.Equal(t, "example.com:443", target.Endpoint)
}

func TestParseUnknownSchemeUsesDefault(t *testing.T) {
	f, target, err := DefaultRegistry.Parse("zookeeper://cluster/path")
	require.NoError(t, err)
	assert.Equal(t, "dns", f.Scheme())
	assert.Equal(t, "zookeeper://cluster/path", target.Endpoint)
}

func TestParseNoFactoryAtAll(t *testing.T) {
	empty := NewRegistry("dns")
	_, _, err := empty.Parse("example.com:443")
	assert.Error(t, err)
}

func TestAddressGroupKey(t *testing.T) {
	g := AddressGroup{Addrs: []string{"10.0.0.1:1", "10.0.0.2:1"}}
	assert.Equal(t, "10.0.0.1:1,10.0.0.2:1", g.Key())
}

type captureListener struct {
	updates chan []AddressGroup
	errs    chan *status.Status
}

func newCaptureListener() *captureListener {
	return &captureListener{
		updates: make(chan []AddressGroup, 4),
		errs:    make(chan *status.Status, 4),
	}
}

func (l *captureListener) OnUpdate(groups []AddressGroup) { l.updates <- groups }
func (l *captureListener) OnError(st *status.Status)      { l.errs <- st }

func TestPassthroughResolves(t *testing.T) {
	f, target, err := DefaultRegistry.Parse("passthrough:///127.0.0.1:1234")
	require.NoError(t, err)
	r, err := f.NewResolver(target)
	require.NoError(t, err)
	defer r.Shutdown()

	l := newCaptureListener()
	r.Start(l)
	select {
	case groups := <-l.updates:
		require.Len(t, groups, 1)
		assert.Equal(t, []string{"127.0.0.1:1234"}, groups[0].Addrs)
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution result")
	}

	// refresh re-emits
	r.Refresh()
	select {
	case <-l.updates:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh produced nothing")
	}
}

func TestPassthroughShutdownStopsUpdates(t *testing.T) {
	f, target, err := DefaultRegistry.Parse("passthrough:///127.0.0.1:1")
	require.NoError(t, err)
	r, err := f.NewResolver(target)
	require.NoError(t, err)

	l := newCaptureListener()
	r.Start(l)
	<-l.updates
	r.Shutdown()
	r.Refresh()
	select {
	case <-l.updates:
		t.Fatal("update after shutdown")
	case <-time.After(100 * time.Millisecond):
	}
}
