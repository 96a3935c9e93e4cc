package okserial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// writeChunk bounds how much the writer loop hands to the transport in one
// call. Some devices block unboundedly or corrupt data on large single
// writes; small chunks also keep close latency bounded.
const writeChunk = 256

// readBufSize is the per-iteration read buffer of the reader loop.
const readBufSize = 4096

// ioEngine owns one open transport and pumps it with a reader and a writer
// goroutine. All shared state lives behind mu; wake is closed and replaced
// on every state change, so any number of waiters (the writer loop, blocked
// readers, context waiters) can block on the channel current at the time
// they checked their condition. Grabbing the channel in the same critical
// section as the condition check means no notification can be lost between
// checking and sleeping.
//
// State machine: open -> (faulted | closed), both terminal. fault, once
// set, makes every operation fail with it; a deliberate close installs
// ErrClosed over any earlier fault, so new callers always see "closed"
// while operations already failed keep the error they got.
type ioEngine struct {
	name string
	t    Transport
	log  *zap.SugaredLogger

	mu       sync.Mutex
	wake     chan struct{}
	incoming []byte
	outgoing []byte
	fault    error

	workers sync.WaitGroup
}

func newEngine(name string, t Transport, log *zap.SugaredLogger) *ioEngine {
	e := &ioEngine{name: name, t: t, log: log, wake: make(chan struct{})}
	e.workers.Add(2)
	go e.readLoop()
	go e.writeLoop()
	return e
}

// notifyLocked wakes every current waiter. Callers must hold mu; the wake
// therefore always happens-after the mutation it signals.
func (e *ioEngine) notifyLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

// recordFaultLocked keeps an already-set fault: retry belongs to the
// tracker, one layer up, never to the engine.
func (e *ioEngine) recordFaultLocked(op string, cause error) {
	if e.fault == nil {
		e.log.Warnw("Serial "+op+" error", "port", e.name, "error", cause)
		e.fault = fmt.Errorf("%s: %w (%s: %v)", e.name, ErrIoFailed, op, cause)
	}
	e.notifyLocked()
}

// readLoop blocks on the transport for at least one byte per iteration,
// picking up however much arrived, and appends it to incoming. The lock is
// never held across the blocking read.
func (e *ioEngine) readLoop() {
	defer e.workers.Done()
	buf := make([]byte, readBufSize)
	for {
		e.mu.Lock()
		if e.fault != nil {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		n, err := e.t.ReadSome(buf)

		e.mu.Lock()
		if n > 0 {
			e.incoming = append(e.incoming, buf[:n]...)
			e.log.Debugw("Read", "port", e.name, "n", n, "buffered", len(e.incoming))
			e.notifyLocked()
		}
		if err != nil {
			e.recordFaultLocked("read", err)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// writeLoop drains outgoing one bounded chunk at a time. Serializing all
// writes through this goroutine keeps concurrent callers' bytes from
// interleaving, and the lock is released around the blocking write.
func (e *ioEngine) writeLoop() {
	defer e.workers.Done()
	for {
		e.mu.Lock()
		for e.fault == nil && len(e.outgoing) == 0 {
			ch := e.wake
			e.mu.Unlock()
			<-ch
			e.mu.Lock()
		}
		if e.fault != nil {
			e.mu.Unlock()
			return
		}
		n := len(e.outgoing)
		if n > writeChunk {
			n = writeChunk
		}
		chunk := make([]byte, n)
		copy(chunk, e.outgoing)
		e.mu.Unlock()

		err := writeFull(e.t, chunk)

		e.mu.Lock()
		if err != nil {
			e.recordFaultLocked("write", err)
			e.mu.Unlock()
			return
		}
		e.outgoing = e.outgoing[len(chunk):]
		e.log.Debugw("Wrote", "port", e.name, "n", len(chunk), "pending", len(e.outgoing))
		e.notifyLocked()
		e.mu.Unlock()
	}
}

func writeFull(t Transport, p []byte) error {
	for len(p) > 0 {
		n, err := t.WriteSome(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// readSync takes and clears the whole incoming buffer, waiting up to the
// deadline for data to appear. Timeout yields an empty result, not an
// error; data present when a fault is also recorded is still delivered.
func (e *ioEngine) readSync(d deadline) ([]byte, error) {
	for {
		e.mu.Lock()
		if len(e.incoming) > 0 {
			out := e.incoming
			e.incoming = nil
			e.mu.Unlock()
			return out, nil
		}
		if e.fault != nil {
			err := e.fault
			e.mu.Unlock()
			return nil, err
		}
		wait := fromDeadline(d)
		if wait <= 0 {
			e.mu.Unlock()
			return nil, nil
		}
		ch := e.wake
		e.mu.Unlock()
		waitOn(ch, wait)
	}
}

// readContext is readSync with the wait governed by a context instead of a
// deadline.
func (e *ioEngine) readContext(ctx context.Context) ([]byte, error) {
	for {
		e.mu.Lock()
		if len(e.incoming) > 0 {
			out := e.incoming
			e.incoming = nil
			e.mu.Unlock()
			return out, nil
		}
		if e.fault != nil {
			err := e.fault
			e.mu.Unlock()
			return nil, err
		}
		ch := e.wake
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// write appends to the outgoing buffer and never blocks. A zero-length
// write is accepted as a no-op that still surfaces any recorded fault,
// which is what makes it usable as a liveness probe.
func (e *ioEngine) write(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fault != nil {
		return e.fault
	}
	if len(data) > 0 {
		e.outgoing = append(e.outgoing, data...)
		e.notifyLocked()
	}
	return nil
}

// drainSync waits until the outgoing buffer is down to limit bytes or the
// deadline passes, reporting which.
func (e *ioEngine) drainSync(limit int, d deadline) (bool, error) {
	for {
		e.mu.Lock()
		if e.fault != nil {
			err := e.fault
			e.mu.Unlock()
			return false, err
		}
		if len(e.outgoing) <= limit {
			e.mu.Unlock()
			return true, nil
		}
		wait := fromDeadline(d)
		if wait <= 0 {
			e.mu.Unlock()
			return false, nil
		}
		ch := e.wake
		e.mu.Unlock()
		waitOn(ch, wait)
	}
}

func (e *ioEngine) drainContext(ctx context.Context, limit int) (bool, error) {
	for {
		e.mu.Lock()
		if e.fault != nil {
			err := e.fault
			e.mu.Unlock()
			return false, err
		}
		if len(e.outgoing) <= limit {
			e.mu.Unlock()
			return true, nil
		}
		ch := e.wake
		e.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (e *ioEngine) incomingSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}

func (e *ioEngine) outgoingSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.outgoing)
}

// signals reads the modem control lines under the same fault discipline as
// I/O: a transport error here faults the whole connection.
func (e *ioEngine) signals() (ControlSignals, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fault != nil {
		return ControlSignals{}, e.fault
	}
	s, err := e.t.Signals()
	if err != nil {
		e.recordFaultLocked("signal", err)
		return ControlSignals{}, e.fault
	}
	return s, nil
}

func (e *ioEngine) setSignals(ch SignalChanges) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fault != nil {
		return e.fault
	}
	if ch.DTR != nil {
		if err := e.t.SetDTR(*ch.DTR); err != nil {
			e.recordFaultLocked("signal", err)
			return e.fault
		}
	}
	if ch.RTS != nil {
		if err := e.t.SetRTS(*ch.RTS); err != nil {
			e.recordFaultLocked("signal", err)
			return e.fault
		}
	}
	if ch.SendBreak != nil {
		if err := e.t.SetBreak(*ch.SendBreak); err != nil {
			e.recordFaultLocked("signal", err)
			return e.fault
		}
	}
	return nil
}

// stop makes the closed state terminal and shuts the workers down: install
// ErrClosed (even over a prior fault, so new callers see "closed"), cancel
// any in-flight blocking transport call, then join both workers. When it
// returns, nothing is touching the transport anymore.
func (e *ioEngine) stop() {
	e.mu.Lock()
	if !errors.Is(e.fault, ErrClosed) {
		if e.fault != nil {
			e.log.Debugw("Closing faulted port", "port", e.name, "fault", e.fault)
		}
		e.fault = fmt.Errorf("%s: %w", e.name, ErrClosed)
		e.notifyLocked()
	}
	e.mu.Unlock()

	if err := e.t.CancelPending(); err != nil {
		e.log.Warnw("Can't cancel pending I/O", "port", e.name, "error", err)
	} else {
		e.log.Debugw("Cancelled pending I/O", "port", e.name)
	}
	e.workers.Wait()
}

// waitOn blocks on a wake channel for at most the given duration.
func waitOn(ch chan struct{}, wait time.Duration) {
	if wait == Forever {
		<-ch
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}
