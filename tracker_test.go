package okserial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScanner is a mutable port listing with a scan counter, standing in
// for system enumeration.
type fakeScanner struct {
	mu    sync.Mutex
	ports []Port
	scans int
	err   error
}

func (s *fakeScanner) scan() ([]Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]Port, len(s.ports))
	for i, p := range s.ports {
		attr := map[string]string{}
		for k, v := range p.Attr {
			attr[k] = v
		}
		out[i] = Port{Name: p.Name, Attr: attr}
	}
	return out, nil
}

func (s *fakeScanner) set(ports ...Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = ports
}

func (s *fakeScanner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// fakeOpener hands out a fresh loopback transport per open, optionally
// refusing some names, and keeps every transport it created.
type fakeOpener struct {
	mu     sync.Mutex
	refuse map[string]error
	opened []*loopTransport
}

func (o *fakeOpener) open(name string, baud int) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.refuse[name]; err != nil {
		return nil, err
	}
	lt := newLoopTransport()
	o.opened = append(o.opened, lt)
	return lt, nil
}

func (o *fakeOpener) last() *loopTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return nil
	}
	return o.opened[len(o.opened)-1]
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func newTestTracker(t *testing.T, expr string, scanner *fakeScanner, opener *fakeOpener, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{
		WithScanner(scanner.scan),
		WithTransport(opener.open),
		WithLockDir(t.TempDir()),
		WithSharing(Oblivious),
		WithScanInterval(20 * time.Millisecond),
	}, opts...)
	tr, err := NewTracker(expr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTrackerBadExpression(t *testing.T) {
	_, err := NewTracker(`"oops`)
	assert.ErrorIs(t, err, ErrBadMatcher)
}

func TestTrackerFindCachesScans(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	tr := newTestTracker(t, "vid=0403", scanner, &fakeOpener{},
		WithScanInterval(time.Hour))

	ports, err := tr.FindSync(0)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Name)

	// A second call inside the interval serves the cache.
	ports, err = tr.FindSync(0)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, 1, scanner.count())
}

func TestTrackerFindWaitsForPort(t *testing.T) {
	scanner := &fakeScanner{}
	tr := newTestTracker(t, "vid=0403", scanner, &fakeOpener{})

	go func() {
		time.Sleep(60 * time.Millisecond)
		scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	}()

	ports, err := tr.FindSync(5 * time.Second)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Name)
	assert.GreaterOrEqual(t, scanner.count(), 2, "should have re-scanned")
}

func TestTrackerFindTimeout(t *testing.T) {
	scanner := &fakeScanner{}
	tr := newTestTracker(t, "vid=0403", scanner, &fakeOpener{})

	ports, err := tr.FindSync(70 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, ports)
	assert.GreaterOrEqual(t, scanner.count(), 1)
	assert.LessOrEqual(t, scanner.count(), 10, "scan rate should honor the interval")
}

func TestTrackerFindContextCancel(t *testing.T) {
	scanner := &fakeScanner{}
	tr := newTestTracker(t, "vid=0403", scanner, &fakeOpener{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.FindContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrackerScanError(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("no such bus")}
	tr := newTestTracker(t, "", scanner, &fakeOpener{})

	_, err := tr.FindSync(0)
	assert.Error(t, err)
	_, err = tr.ConnectSync(0)
	assert.Error(t, err)
}

func TestTrackerConnectRemembers(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	opener := &fakeOpener{}
	tr := newTestTracker(t, "vid=0403", scanner, opener)

	conn, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "/dev/ttyUSB0", conn.Name())

	again, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	assert.Same(t, conn, again, "healthy connection should be reused")
	assert.Equal(t, 1, opener.opens())
}

func TestTrackerConnectTimeout(t *testing.T) {
	scanner := &fakeScanner{} // never any ports
	tr := newTestTracker(t, "vid=0403", scanner, &fakeOpener{})

	conn, err := tr.ConnectSync(70 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, conn, "timeout yields no connection and no error")
}

func TestTrackerReconnectsAfterFault(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	opener := &fakeOpener{}
	tr := newTestTracker(t, "vid=0403", scanner, opener)

	conn, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)

	opener.last().failReads(errors.New("device unplugged"))
	waitForFault(t, conn)

	fresh, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.NotSame(t, conn, fresh, "faulted connection should be replaced")
	assert.Equal(t, 2, opener.opens())

	// The faulted connection was closed by the tracker.
	_, err = conn.ReadSync(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTrackerReconnectsAfterClose(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	opener := &fakeOpener{}
	tr := newTestTracker(t, "vid=0403", scanner, opener)

	conn, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)

	// A user-initiated close is not a device failure; the tracker just
	// quietly opens a new connection next time.
	require.NoError(t, conn.Close())
	fresh, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.NotSame(t, conn, fresh)
}

func TestTrackerOpenFailureAdvances(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(
		testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}),
		testPort("/dev/ttyUSB1", map[string]string{"vid": "0403"}),
	)
	opener := &fakeOpener{refuse: map[string]error{
		"/dev/ttyUSB0": errors.New("EBUSY"),
	}}
	tr := newTestTracker(t, "vid=0403", scanner, opener)

	conn, err := tr.ConnectSync(time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "/dev/ttyUSB1", conn.Name(), "should try candidates in order")
}

func TestTrackerConnectsWhenPortAppears(t *testing.T) {
	scanner := &fakeScanner{} // absent at first
	opener := &fakeOpener{}
	tr := newTestTracker(t, "vid=0403", scanner, opener,
		WithScanInterval(50*time.Millisecond))

	go func() {
		time.Sleep(150 * time.Millisecond)
		scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	}()

	start := time.Now()
	conn, err := tr.ConnectSync(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn, "port appeared well within the timeout")
	assert.Less(t, time.Since(start), time.Second,
		"should connect within a poll cycle or two of appearance")
}

func TestTrackerConnectContext(t *testing.T) {
	scanner := &fakeScanner{}
	opener := &fakeOpener{}
	tr := newTestTracker(t, "vid=0403", scanner, opener)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.ConnectContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(60 * time.Millisecond)
		scanner.set(testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}))
	}()
	conn, err := tr.ConnectContext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "/dev/ttyUSB0", conn.Name())
}

func TestTrackerTagsNewPorts(t *testing.T) {
	scanner := &fakeScanner{}
	scanner.set(testPort("/dev/ttyUSB0", nil))
	tr := newTestTracker(t, "", scanner, &fakeOpener{})

	ports, err := tr.FindSync(0)
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Empty(t, ports[0].Attr["tracking"], "first scan has no novelty baseline")

	scanner.set(
		testPort("/dev/ttyUSB0", nil),
		testPort("/dev/ttyACM0", nil),
	)
	time.Sleep(25 * time.Millisecond) // let the scan interval lapse

	ports, err = tr.FindSync(0)
	require.NoError(t, err)
	require.Len(t, ports, 2)
	byName := map[string]Port{}
	for _, p := range ports {
		byName[p.Name] = p
	}
	assert.Empty(t, byName["/dev/ttyUSB0"].Attr["tracking"])
	assert.Equal(t, "new", byName["/dev/ttyACM0"].Attr["tracking"])
}

func TestTrackerMatcherAccessor(t *testing.T) {
	tr := newTestTracker(t, "vid=0403", &fakeScanner{}, &fakeOpener{})
	require.NotNil(t, tr.Matcher())
	assert.Equal(t, "vid=0403", tr.Matcher().String())
	assert.False(t, tr.Matcher().Empty())
}
