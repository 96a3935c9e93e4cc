package okserial

import (
	"errors"
	"sync"
)

// loopTransport is an in-memory Transport with a controllable far end, for
// exercising the engine without hardware. The peer injects incoming bytes
// with peerWrite, inspects transmitted bytes with peerRead, and can gate or
// fail I/O to simulate slow or dying devices.
type loopTransport struct {
	mu       sync.Mutex
	pending  []byte // bytes queued for ReadSome but not yet consumed
	written  []byte // everything WriteSome accepted
	writes   []int  // size of each WriteSome call
	readErr  error
	writeErr error
	sigs     ControlSignals
	sigErr   error
	closed   bool

	arrivals  chan struct{} // signaled on peerWrite and failReads
	cancel    chan struct{}
	writeGate chan struct{} // non-nil: WriteSome blocks until signaled
	cancelled sync.Once
}

var errLoopCancelled = errors.New("loopback I/O cancelled")

func newLoopTransport() *loopTransport {
	return &loopTransport{
		arrivals: make(chan struct{}, 64),
		cancel:   make(chan struct{}),
	}
}

// loopOpener returns a TransportOpener handing out this exact transport.
func (t *loopTransport) loopOpener() TransportOpener {
	return func(name string, baud int) (Transport, error) {
		return t, nil
	}
}

func (t *loopTransport) peerWrite(data []byte) {
	t.mu.Lock()
	t.pending = append(t.pending, data...)
	t.mu.Unlock()
	select {
	case t.arrivals <- struct{}{}:
	default:
	}
}

// peerRead returns everything written to the transport so far.
func (t *loopTransport) peerRead() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.written))
	copy(out, t.written)
	return out
}

func (t *loopTransport) writeSizes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, len(t.writes))
	copy(out, t.writes)
	return out
}

// failReads makes the next ReadSome (and Write attempts) fail with err.
func (t *loopTransport) failReads(err error) {
	t.mu.Lock()
	t.readErr = err
	t.writeErr = err
	t.mu.Unlock()
	select {
	case t.arrivals <- struct{}{}:
	default:
	}
}

// gateWrites makes WriteSome block until openWriteGate is called.
func (t *loopTransport) gateWrites() {
	t.mu.Lock()
	t.writeGate = make(chan struct{})
	t.mu.Unlock()
}

func (t *loopTransport) openWriteGate() {
	t.mu.Lock()
	gate := t.writeGate
	t.writeGate = nil
	t.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (t *loopTransport) setSignals(s ControlSignals) {
	t.mu.Lock()
	t.sigs = s
	t.mu.Unlock()
}

func (t *loopTransport) ReadSome(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			n := copy(p, t.pending)
			t.pending = t.pending[n:]
			t.mu.Unlock()
			return n, nil
		}
		err := t.readErr
		t.mu.Unlock()
		if err != nil {
			return 0, err
		}

		select {
		case <-t.arrivals:
		case <-t.cancel:
			return 0, errLoopCancelled
		}
	}
}

func (t *loopTransport) WriteSome(p []byte) (int, error) {
	t.mu.Lock()
	gate := t.writeGate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-t.cancel:
			return 0, errLoopCancelled
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	t.written = append(t.written, p...)
	t.writes = append(t.writes, len(p))
	return len(p), nil
}

func (t *loopTransport) CancelPending() error {
	t.cancelled.Do(func() { close(t.cancel) })
	return nil
}

func (t *loopTransport) Signals() (ControlSignals, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sigs, t.sigErr
}

func (t *loopTransport) SetDTR(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sigErr != nil {
		return t.sigErr
	}
	t.sigs.DTR = on
	return nil
}

func (t *loopTransport) SetRTS(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sigErr != nil {
		return t.sigErr
	}
	t.sigs.RTS = on
	return nil
}

func (t *loopTransport) SetBreak(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sigErr != nil {
		return t.sigErr
	}
	t.sigs.SendingBreak = on
	return nil
}

func (t *loopTransport) Fd() (int, bool) { return -1, false }

func (t *loopTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *loopTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancelled.Do(func() { close(t.cancel) })
	return nil
}
