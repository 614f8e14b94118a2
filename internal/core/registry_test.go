package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// marlinSim answers the identification probe and acknowledges every other
// command, so registry tests never stall on a handshake.
func marlinSim(port *fakePort) {
	for {
		line, ok := port.awaitWrite(5 * time.Second)
		if !ok {
			return
		}
		if strings.HasPrefix(line, "M115") {
			port.send(firmwareReply)
			continue
		}
		port.send("ok\n")
	}
}

type fakeEnum struct {
	mu    sync.Mutex
	ports []PortInfo
	err   error
}

func (e *fakeEnum) List() ([]PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return append([]PortInfo(nil), e.ports...), nil
}

func (e *fakeEnum) set(ports ...PortInfo) {
	e.mu.Lock()
	e.ports = ports
	e.mu.Unlock()
}

func (e *fakeEnum) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func newTestRegistry(opener *fakeOpener, enum *fakeEnum) *Registry {
	return NewRegistry(opener, enum, RegistryOptions{
		HandshakeTimeout: 2 * time.Second,
		Logger:           testLogger(),
	})
}

func TestRegistryGetOrConnect(t *testing.T) {
	opener := newFakeOpener(marlinSim)
	r := newTestRegistry(opener, &fakeEnum{})
	defer r.Shutdown()

	p, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)
	assert.Equal(t, StateReady, p.State())
	assert.True(t, p.Verified())
	assert.Equal(t, DefaultBaudRate, p.BaudRate())
	assert.Equal(t, DefaultBaudRate, opener.lastBaud("/dev/ttyUSB0"))

	got, ok := r.Get("/dev/ttyUSB0")
	require.True(t, ok)
	assert.Same(t, p, got)

	// A live session is reused, not reopened.
	again, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Equal(t, 1, opener.openCount("/dev/ttyUSB0"))
}

func TestRegistryGetOrConnectValidation(t *testing.T) {
	r := newTestRegistry(newFakeOpener(marlinSim), &fakeEnum{})
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "", 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegistryConcurrentConnectsShareOneAttempt(t *testing.T) {
	opener := newFakeOpener(marlinSim)
	r := newTestRegistry(opener, &fakeEnum{})
	defer r.Shutdown()

	const callers = 8
	var wg sync.WaitGroup
	printers := make([]*Printer, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			printers[i], errs[i] = r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Same(t, printers[0], printers[i], "caller %d", i)
	}
	assert.Equal(t, 1, opener.openCount("/dev/ttyUSB0"))
}

func TestRegistryBaudRateChangeRejected(t *testing.T) {
	r := newTestRegistry(newFakeOpener(marlinSim), &fakeEnum{})
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 115200)
	require.NoError(t, err)

	_, err = r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 250000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "115200")
}

func TestRegistryReconnectStaleSession(t *testing.T) {
	opener := newFakeOpener(marlinSim)
	r := newTestRegistry(opener, &fakeEnum{})
	defer r.Shutdown()

	first, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)

	// The device dropped without the registry hearing about it.
	require.NoError(t, first.Disconnect())
	assert.Equal(t, StateNotConnected, first.State())

	second, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateReady, second.State())
	assert.Equal(t, 2, opener.openCount("/dev/ttyUSB0"))

	got, ok := r.Get("/dev/ttyUSB0")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegistryConnectFailureIsRetryable(t *testing.T) {
	opener := newFakeOpener(marlinSim)
	opener.setErr(errors.New("device busy"))
	r := newTestRegistry(opener, &fakeEnum{})
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComm)
	_, ok := r.Get("/dev/ttyUSB0")
	assert.False(t, ok)

	// The failed attempt leaves nothing behind; the next one succeeds.
	opener.setErr(nil)
	p, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)
	assert.Equal(t, StateReady, p.State())
}

func TestRegistryDisconnect(t *testing.T) {
	r := newTestRegistry(newFakeOpener(marlinSim), &fakeEnum{})
	defer r.Shutdown()

	p, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)

	require.NoError(t, r.Disconnect("/dev/ttyUSB0"))
	assert.Equal(t, StateNotConnected, p.State())
	_, ok := r.Get("/dev/ttyUSB0")
	assert.False(t, ok)

	// Unknown ports are a no-op.
	require.NoError(t, r.Disconnect("/dev/ttyUSB0"))
	require.NoError(t, r.Disconnect("/dev/ttyS99"))
}

func TestRegistryList(t *testing.T) {
	r := newTestRegistry(newFakeOpener(marlinSim), &fakeEnum{})
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB1", 0)
	require.NoError(t, err)
	_, err = r.GetOrConnect(context.Background(), "/dev/ttyACM0", 0)
	require.NoError(t, err)

	got := r.List()
	require.Len(t, got, 2)
	assert.Equal(t, "/dev/ttyACM0", got[0].Port())
	assert.Equal(t, "/dev/ttyUSB1", got[1].Port())
}

func TestRegistryListKnown(t *testing.T) {
	enum := &fakeEnum{}
	enum.set(
		PortInfo{Path: "/dev/ttyUSB0", IsUSB: true, VendorID: "2c99", ProductID: "0002", Vendor: "Prusa Research", Model: "Original Prusa MK3"},
		PortInfo{Path: "/dev/ttyS0"},
	)
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)

	ports, err := r.ListKnown(true)
	require.NoError(t, err)
	require.Len(t, ports, 2)

	assert.Equal(t, "/dev/ttyS0", ports[0].Path)
	assert.False(t, ports[0].Connected)
	assert.Equal(t, "not_connected", ports[0].State)

	assert.Equal(t, "/dev/ttyUSB0", ports[1].Path)
	assert.True(t, ports[1].Connected)
	assert.Equal(t, "ready", ports[1].State)
	assert.True(t, ports[1].Verified)
	assert.Equal(t, "Original Prusa MK3", ports[1].Model)
	assert.False(t, ports[1].LastSeen.IsZero())

	// Devices that vanish from the bus stay known, session or not.
	enum.set()
	ports, err = r.ListKnown(true)
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyS0", ports[0].Path)
	assert.Equal(t, "/dev/ttyUSB0", ports[1].Path)
	assert.True(t, ports[1].Connected)
}

func TestRegistryListKnownNoDuplicates(t *testing.T) {
	enum := &fakeEnum{}
	enum.set(
		PortInfo{Path: "/dev/ttyUSB0", IsUSB: true, VendorID: "2c99", ProductID: "0002"},
		PortInfo{Path: "/dev/ttyACM0", IsUSB: true},
	)
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)

	// Refreshing repeatedly merges by path; a device never appears twice.
	for i := 0; i < 3; i++ {
		ports, err := r.ListKnown(true)
		require.NoError(t, err)
		require.Len(t, ports, 2, "refresh %d", i)
		assert.Equal(t, "/dev/ttyACM0", ports[0].Path)
		assert.Equal(t, "/dev/ttyUSB0", ports[1].Path)
	}
}

func TestRegistryListKnownCached(t *testing.T) {
	enum := &fakeEnum{}
	enum.set(PortInfo{Path: "/dev/ttyUSB0", IsUSB: true})
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	defer r.Shutdown()

	_, err := r.ListKnown(true)
	require.NoError(t, err)

	// Without refresh the cached set is served and the bus is not probed.
	enum.setErr(errors.New("udev unavailable"))
	ports, err := r.ListKnown(false)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Path)

	// Live sessions show up even when their path was never enumerated.
	_, err = r.GetOrConnect(context.Background(), "/dev/ttyACM3", 0)
	require.NoError(t, err)
	ports, err = r.ListKnown(false)
	require.NoError(t, err)
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyACM3", ports[0].Path)
	assert.True(t, ports[0].Connected)
}

func TestRegistryListKnownEnumeratorFailure(t *testing.T) {
	enum := &fakeEnum{}
	enum.setErr(errors.New("udev unavailable"))
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	defer r.Shutdown()

	_, err := r.ListKnown(true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrComm)
}

func TestRegistrySweepVanished(t *testing.T) {
	enum := &fakeEnum{}
	enum.set(PortInfo{Path: "/dev/ttyUSB0", IsUSB: true})
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	defer r.Shutdown()

	p, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)

	// Device still present: nothing happens.
	r.sweepVanished()
	_, ok := r.Get("/dev/ttyUSB0")
	assert.True(t, ok)

	// Device unplugged: the session is reaped.
	enum.set()
	r.sweepVanished()
	_, ok = r.Get("/dev/ttyUSB0")
	assert.False(t, ok)
	assert.Equal(t, StateNotConnected, p.State())
}

func TestRegistrySweepKeepsSessionsOnEnumeratorFailure(t *testing.T) {
	enum := &fakeEnum{}
	enum.set(PortInfo{Path: "/dev/ttyUSB0"})
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	defer r.Shutdown()

	_, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)

	enum.setErr(errors.New("udev unavailable"))
	r.sweepVanished()
	_, ok := r.Get("/dev/ttyUSB0")
	assert.True(t, ok)
}

func TestRegistryShutdown(t *testing.T) {
	enum := &fakeEnum{}
	enum.set(PortInfo{Path: "/dev/ttyUSB0"}, PortInfo{Path: "/dev/ttyUSB1"})
	r := newTestRegistry(newFakeOpener(marlinSim), enum)
	r.StartPortWatcher(20 * time.Millisecond)

	a, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB0", 0)
	require.NoError(t, err)
	b, err := r.GetOrConnect(context.Background(), "/dev/ttyUSB1", 0)
	require.NoError(t, err)

	r.Shutdown()
	assert.Equal(t, StateNotConnected, a.State())
	assert.Equal(t, StateNotConnected, b.State())
	assert.Empty(t, r.List())

	// Shutdown is idempotent.
	r.Shutdown()
}
