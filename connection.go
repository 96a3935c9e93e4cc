package okserial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Conn is an open connection to a serial port. All methods are safe for
// concurrent use. Callers must Close the connection to release the port and
// its locks; Close is idempotent.
type Conn struct {
	name   string
	engine *ioEngine

	// cleanup releases everything acquired so far, in reverse order:
	// engine (workers joined), fd lock, transport handle, marker.
	cleanup   []func()
	closeOnce sync.Once
}

// Open connects to the named device, negotiating locks per the configured
// sharing mode, opening the transport, and starting the I/O workers.
// Fails with ErrPortBusy when another owner holds the device, or with
// ErrOpenFailed for any other open problem.
func Open(port string, opts ...Option) (*Conn, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return openPort(port, cfg)
}

// OpenMatching scans for ports, applies the match expression, and connects
// to the single matching device. Zero or multiple matches fail with
// ErrOpenFailed; a bad expression fails with ErrBadMatcher.
func OpenMatching(expr string, opts ...Option) (*Conn, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	m, err := NewMatcher(expr)
	if err != nil {
		return nil, err
	}

	found, err := cfg.Scanner()
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no ports found", ErrOpenFailed)
	}
	matched := m.Filter(found)
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: no ports match %q", ErrOpenFailed, expr)
	}
	if len(matched) > 1 {
		names := make([]string, len(matched))
		for i, p := range matched {
			names[i] = p.Name
		}
		return nil, fmt.Errorf("%w: multiple ports match %q: %s",
			ErrOpenFailed, expr, strings.Join(names, ", "))
	}

	cfg.Logger.Debugw("Scanned", "match", expr, "port", matched[0].Name)
	return openPort(matched[0].Name, cfg)
}

// openPort runs the scoped acquisition sequence: marker, transport, handle
// lock, engine. If any later step fails, everything acquired so far is
// released in reverse order.
func openPort(port string, cfg Config) (*Conn, error) {
	c := &Conn{name: port}
	fail := func(err error) (*Conn, error) {
		c.runCleanup()
		return nil, err
	}

	releaseMark, err := acquireMarker(cfg.LockDir, port, cfg.Sharing, cfg.Logger)
	if err != nil {
		return nil, err
	}
	c.cleanup = append(c.cleanup, releaseMark)

	t, err := cfg.Transport(port, cfg.Baud)
	if err != nil {
		if !errors.Is(err, ErrOpenFailed) {
			err = fmt.Errorf("%w: %s: %v", ErrOpenFailed, port, err)
		}
		return fail(err)
	}
	cfg.Logger.Debugw("Opened", "port", port, "baud", cfg.Baud, "sharing", cfg.Sharing.String())
	c.cleanup = append(c.cleanup, func() {
		if err := t.Close(); err != nil {
			cfg.Logger.Warnw("Can't close port", "port", port, "error", err)
		}
	})

	if fd, ok := t.Fd(); ok {
		unlock, err := lockHandle(fd, port, cfg.Sharing, cfg.Logger)
		if err != nil {
			return fail(err)
		}
		c.cleanup = append(c.cleanup, unlock)
	}

	c.engine = newEngine(port, t, cfg.Logger)
	c.cleanup = append(c.cleanup, c.engine.stop)
	return c, nil
}

func (c *Conn) runCleanup() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

// Name returns the port's device name, eg. /dev/ttyACM0.
func (c *Conn) Name() string { return c.name }

func (c *Conn) String() string { return "serial connection to " + c.name }

// Close releases the port and its locks. Workers are joined before the
// handle is released, so nothing touches the device after Close returns.
// Pending and future I/O operations fail with ErrClosed. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(c.runCleanup)
	return nil
}

// ReadSync waits up to timeout (Forever for unbounded, 0 to check once) for
// incoming data, then takes and returns all of it. An expired timeout
// returns an empty slice and no error: absence of data is not a failure.
func (c *Conn) ReadSync(timeout time.Duration) ([]byte, error) {
	return c.engine.readSync(toDeadline(timeout))
}

// ReadContext is ReadSync with the wait bounded by a context.
func (c *Conn) ReadContext(ctx context.Context) ([]byte, error) {
	return c.engine.readContext(ctx)
}

// Write queues data for transmission and returns immediately; the outgoing
// buffer grows without bound and the caller observes transmission via
// DrainSync or OutgoingSize. A zero-length write is a no-op that still
// fails if the connection has a recorded fault.
func (c *Conn) Write(data []byte) error {
	return c.engine.write(data)
}

// DrainSync waits up to timeout for all buffered output to be transmitted,
// reporting false on timeout.
func (c *Conn) DrainSync(timeout time.Duration) (bool, error) {
	return c.engine.drainSync(0, toDeadline(timeout))
}

// DrainBelowSync waits until at most limit bytes remain buffered.
func (c *Conn) DrainBelowSync(limit int, timeout time.Duration) (bool, error) {
	return c.engine.drainSync(limit, toDeadline(timeout))
}

// DrainContext is DrainSync with the wait bounded by a context.
func (c *Conn) DrainContext(ctx context.Context) (bool, error) {
	return c.engine.drainContext(ctx, 0)
}

// IncomingSize returns the number of bytes waiting to be read.
func (c *Conn) IncomingSize() int { return c.engine.incomingSize() }

// OutgoingSize returns the number of bytes waiting to be sent.
func (c *Conn) OutgoingSize() int { return c.engine.outgoingSize() }

// Signals returns the current modem control line state.
func (c *Conn) Signals() (ControlSignals, error) {
	return c.engine.signals()
}

// SetSignals changes outgoing control lines; nil fields are left alone.
func (c *Conn) SetSignals(changes SignalChanges) error {
	return c.engine.setSignals(changes)
}
