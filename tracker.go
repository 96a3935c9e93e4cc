package okserial

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker maintains one healthy connection to a serial port matching an
// expression, re-scanning and re-connecting as needed after faults or
// unplug events. Scans and connection attempts only happen when Find or
// Connect methods are called; all tracker state is serialized under one
// lock.
type Tracker struct {
	matcher *Matcher
	cfg     Config
	log     *zap.SugaredLogger

	mu          sync.Mutex
	scanned     bool
	scanKeys    map[string]bool
	scanMatched []Port
	nextScan    deadline
	conn        *Conn
}

// NewTracker prepares to track a port matching expr. Only a bad expression
// fails here (ErrBadMatcher); scanning and connecting happen later.
func NewTracker(expr string, opts ...Option) (*Tracker, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	m, err := NewMatcher(expr)
	if err != nil {
		return nil, err
	}
	t := &Tracker{matcher: m, cfg: cfg, log: cfg.Logger}
	t.log.Debugw("Tracking", "match", expr)
	return t, nil
}

// Matcher returns the parsed expression this tracker filters with.
func (t *Tracker) Matcher() *Matcher { return t.matcher }

// Close closes any active connection. I/O on it fails with ErrClosed; a
// later Connect call establishes a fresh connection.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

// FindSync waits up to timeout for ports matching the expression to appear,
// re-scanning on the configured interval, and returns them (nil on
// timeout). Results are cached until the next scan is due, so calling in a
// loop scans no more often than the interval allows.
func (t *Tracker) FindSync(timeout time.Duration) ([]Port, error) {
	d := toDeadline(timeout)
	for {
		matched, wait, err := t.findOnce()
		if err != nil {
			return nil, err
		}
		if len(matched) > 0 {
			return matched, nil
		}
		if fromDeadline(d) < wait {
			return nil, nil
		}
		t.log.Debugw("Next scan", "wait", wait)
		time.Sleep(wait)
	}
}

// FindContext is FindSync waiting until ports appear or ctx is done.
func (t *Tracker) FindContext(ctx context.Context) ([]Port, error) {
	for {
		matched, wait, err := t.findOnce()
		if err != nil || len(matched) > 0 {
			return matched, err
		}
		t.log.Debugw("Next scan", "wait", wait)
		if err := sleepContext(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// findOnce re-scans if due, and returns the current matches plus how long
// until the next scan would be allowed.
func (t *Tracker) findOnce() ([]Port, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wait := fromDeadline(t.nextScan)
	if wait <= 0 {
		wait = t.cfg.ScanInterval
		found, err := t.cfg.Scanner()
		if err != nil {
			return nil, 0, err
		}
		if t.scanned {
			// Tag ports that weren't present last scan, for display.
			for _, p := range found {
				if !t.scanKeys[p.key()] && p.Attr != nil {
					p.Attr["tracking"] = "new"
				}
			}
		}
		keys := make(map[string]bool, len(found))
		for _, p := range found {
			keys[p.key()] = true
		}
		t.scanned = true
		t.scanKeys = keys
		t.scanMatched = t.matcher.Filter(found)
		t.nextScan = toDeadline(wait)
		t.log.Debugw("Scanned ports",
			"matched", len(t.scanMatched), "found", len(found), "match", t.matcher.String())
	}

	matched := make([]Port, len(t.scanMatched))
	copy(matched, t.scanMatched)
	return matched, wait, nil
}

// ConnectSync returns the remembered connection if it is still healthy,
// otherwise waits up to timeout for a matching port and opens it. When
// several ports match, each is tried in scan order and the first success is
// remembered. Returns a nil connection (and nil error) on timeout; open
// failures are never fatal, they just advance to the next candidate or
// scan cycle.
func (t *Tracker) ConnectSync(timeout time.Duration) (*Conn, error) {
	d := toDeadline(timeout)
	var ports []Port
	for {
		if conn := t.connectOnce(ports); conn != nil {
			return conn, nil
		}
		var err error
		ports, err = t.FindSync(fromDeadline(d))
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, nil
		}
	}
}

// ConnectContext is ConnectSync waiting until a connection is established
// or ctx is done.
func (t *Tracker) ConnectContext(ctx context.Context) (*Conn, error) {
	for {
		conn, err := t.ConnectSync(0)
		if err != nil || conn != nil {
			return conn, err
		}
		t.mu.Lock()
		wait := fromDeadline(t.nextScan)
		t.mu.Unlock()
		t.log.Debugw("Next scan", "wait", wait)
		if err := sleepContext(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// connectOnce probes the remembered connection and tries the given
// candidates, returning a healthy connection or nil.
func (t *Tracker) connectOnce(ports []Port) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		err := t.conn.Write(nil) // liveness probe
		switch {
		case err == nil:
			return t.conn
		case errors.Is(err, ErrClosed):
			t.log.Debugw("Connection closed", "port", t.conn.Name())
			t.conn = nil
		default:
			t.log.Warnw("Connection failed", "port", t.conn.Name(), "error", err)
			t.conn.Close()
			t.conn = nil
		}
	}

	for _, p := range ports {
		conn, err := openPort(p.Name, t.cfg)
		if err != nil {
			t.log.Warnw("Can't open port", "port", p.Name, "error", err)
			t.scanMatched = nil // force a re-scan once it's due
			continue
		}
		t.conn = conn
		return conn
	}
	return nil
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
