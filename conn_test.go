package okserial

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// openLoop opens a Conn backed by a fresh loopback transport, with locking
// sandboxed away from the system lock directory.
func openLoop(t *testing.T, opts ...Option) (*Conn, *loopTransport) {
	t.Helper()
	lt := newLoopTransport()
	opts = append([]Option{
		WithTransport(lt.loopOpener()),
		WithLockDir(t.TempDir()),
		WithSharing(Oblivious),
	}, opts...)
	conn, err := Open("/dev/ttyFAKE0", opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, lt
}

func TestConnReadSync(t *testing.T) {
	conn, lt := openLoop(t)

	// Nothing buffered: zero timeout reports empty, not an error.
	data, err := conn.ReadSync(0)
	if err != nil || len(data) != 0 {
		t.Fatalf("ReadSync(0) = %q, %v, want empty", data, err)
	}

	lt.peerWrite([]byte("hello"))
	data, err = conn.ReadSync(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Errorf("ReadSync = %q, want hello", data)
	}

	// The read took the whole buffer.
	if n := conn.IncomingSize(); n != 0 {
		t.Errorf("IncomingSize after read = %d", n)
	}
}

func TestConnReadTimeout(t *testing.T) {
	conn, _ := openLoop(t)
	start := time.Now()
	data, err := conn.ReadSync(30 * time.Millisecond)
	if err != nil || data != nil {
		t.Fatalf("ReadSync timeout = %q, %v, want nil, nil", data, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("ReadSync returned before its timeout")
	}
}

func TestConnReadContext(t *testing.T) {
	conn, lt := openLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := conn.ReadContext(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ReadContext = %v, want context.Canceled", err)
	}

	lt.peerWrite([]byte("late"))
	data, err := conn.ReadContext(context.Background())
	if err != nil || !bytes.Equal(data, []byte("late")) {
		t.Errorf("ReadContext = %q, %v", data, err)
	}
}

func TestConnWriteAndDrain(t *testing.T) {
	conn, lt := openLoop(t)

	msg := bytes.Repeat([]byte("0123456789abcdef"), 100) // 1600 bytes, several chunks
	if err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	ok, err := conn.DrainSync(5 * time.Second)
	if err != nil || !ok {
		t.Fatalf("DrainSync = %v, %v", ok, err)
	}
	if got := lt.peerRead(); !bytes.Equal(got, msg) {
		t.Errorf("transmitted %d bytes, want %d, mismatch", len(got), len(msg))
	}
	for _, n := range lt.writeSizes() {
		if n > writeChunk {
			t.Errorf("transport write of %d bytes exceeds chunk limit %d", n, writeChunk)
		}
	}
	if n := conn.OutgoingSize(); n != 0 {
		t.Errorf("OutgoingSize after drain = %d", n)
	}
}

func TestConnWriteNeverBlocks(t *testing.T) {
	conn, lt := openLoop(t)
	lt.gateWrites()

	big := make([]byte, 1<<20)
	done := make(chan error, 1)
	go func() { done <- conn.Write(big) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a stalled transport")
	}

	// Output stays buffered until the transport unblocks.
	ok, err := conn.DrainSync(30 * time.Millisecond)
	if err != nil || ok {
		t.Fatalf("DrainSync against stalled transport = %v, %v, want false, nil", ok, err)
	}
	if conn.OutgoingSize() == 0 {
		t.Error("OutgoingSize should report the backlog")
	}

	lt.openWriteGate()
	if ok, err := conn.DrainSync(5 * time.Second); err != nil || !ok {
		t.Fatalf("DrainSync after unblocking = %v, %v", ok, err)
	}
}

func TestConnDrainBelow(t *testing.T) {
	conn, lt := openLoop(t)
	lt.gateWrites()

	if err := conn.Write(make([]byte, 1000)); err != nil {
		t.Fatal(err)
	}
	// Limit already satisfied by the current backlog: no wait needed.
	if ok, err := conn.DrainBelowSync(2000, 0); err != nil || !ok {
		t.Fatalf("DrainBelowSync(2000) = %v, %v", ok, err)
	}
	if ok, err := conn.DrainBelowSync(10, 0); err != nil || ok {
		t.Fatalf("DrainBelowSync(10) against backlog = %v, %v, want false", ok, err)
	}
	lt.openWriteGate()
}

func TestConnZeroWriteProbe(t *testing.T) {
	conn, lt := openLoop(t)

	if err := conn.Write(nil); err != nil {
		t.Fatalf("zero-length write on healthy conn: %v", err)
	}

	lt.failReads(errors.New("device unplugged"))
	waitForFault(t, conn)
	if err := conn.Write(nil); !errors.Is(err, ErrIoFailed) {
		t.Errorf("probe after fault = %v, want ErrIoFailed", err)
	}
}

// waitForFault polls until the connection's fault is observable.
func waitForFault(t *testing.T, conn *Conn) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := conn.Write(nil); err != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("fault never surfaced")
}

func TestConnFaultSticks(t *testing.T) {
	conn, lt := openLoop(t)

	lt.peerWrite([]byte("last words"))
	for deadline := time.Now().Add(5 * time.Second); conn.IncomingSize() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("peer bytes never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	lt.failReads(errors.New("device unplugged"))
	waitForFault(t, conn)

	// Data received before the fault is still delivered first.
	data, err := conn.ReadSync(time.Second)
	if err != nil || !bytes.Equal(data, []byte("last words")) {
		t.Fatalf("ReadSync before fault delivery = %q, %v", data, err)
	}

	// After the buffer empties, every operation fails with the same fault.
	if _, err := conn.ReadSync(0); !errors.Is(err, ErrIoFailed) {
		t.Errorf("ReadSync after fault = %v, want ErrIoFailed", err)
	}
	if err := conn.Write([]byte("x")); !errors.Is(err, ErrIoFailed) {
		t.Errorf("Write after fault = %v, want ErrIoFailed", err)
	}
	if _, err := conn.DrainSync(0); !errors.Is(err, ErrIoFailed) {
		t.Errorf("DrainSync after fault = %v, want ErrIoFailed", err)
	}
	if _, err := conn.Signals(); !errors.Is(err, ErrIoFailed) {
		t.Errorf("Signals after fault = %v, want ErrIoFailed", err)
	}
}

func TestConnClose(t *testing.T) {
	conn, lt := openLoop(t)

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if !lt.isClosed() {
		t.Error("Close should close the transport")
	}

	if _, err := conn.ReadSync(0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadSync after Close = %v, want ErrClosed", err)
	}
	if err := conn.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := conn.ReadContext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadContext after Close = %v, want ErrClosed", err)
	}
	if _, err := conn.DrainContext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("DrainContext after Close = %v, want ErrClosed", err)
	}

	// Idempotent.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestConnCloseUnblocksReaders(t *testing.T) {
	conn, _ := openLoop(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.ReadSync(Forever)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked ReadSync after Close = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not unblock a waiting reader")
	}
}

func TestConnCloseWinsOverFault(t *testing.T) {
	conn, lt := openLoop(t)

	lt.failReads(errors.New("device unplugged"))
	waitForFault(t, conn)
	conn.Close()

	// New callers after Close always see ErrClosed, fault or not.
	if _, err := conn.ReadSync(0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadSync on closed faulted conn = %v, want ErrClosed", err)
	}
}

func TestConnSignals(t *testing.T) {
	conn, lt := openLoop(t)
	lt.setSignals(ControlSignals{DSR: true, CD: true})

	sigs, err := conn.Signals()
	if err != nil {
		t.Fatal(err)
	}
	if !sigs.DSR || !sigs.CD || sigs.CTS {
		t.Errorf("Signals = %+v", sigs)
	}

	on := true
	off := false
	if err := conn.SetSignals(SignalChanges{DTR: &on, RTS: &off}); err != nil {
		t.Fatal(err)
	}
	sigs, err = conn.Signals()
	if err != nil {
		t.Fatal(err)
	}
	if !sigs.DTR || sigs.RTS {
		t.Errorf("after SetSignals: %+v", sigs)
	}

	// Nil fields stay untouched.
	if err := conn.SetSignals(SignalChanges{SendBreak: &on}); err != nil {
		t.Fatal(err)
	}
	sigs, _ = conn.Signals()
	if !sigs.DTR || !sigs.SendingBreak {
		t.Errorf("after break: %+v", sigs)
	}
}

func TestOpenMatching(t *testing.T) {
	lt := newLoopTransport()
	scanner := func() ([]Port, error) {
		return []Port{
			testPort("/dev/ttyUSB0", map[string]string{"vid": "0403"}),
			testPort("/dev/ttyACM0", map[string]string{"vid": "2e8a"}),
		}, nil
	}
	opts := []Option{
		WithTransport(lt.loopOpener()),
		WithScanner(scanner),
		WithLockDir(t.TempDir()),
		WithSharing(Oblivious),
	}

	conn, err := OpenMatching("vid=0403", opts...)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Name() != "/dev/ttyUSB0" {
		t.Errorf("connected to %s", conn.Name())
	}
	conn.Close()

	if _, err := OpenMatching("vid=ffff", opts...); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("no match: err = %v, want ErrOpenFailed", err)
	}
	if _, err := OpenMatching("", opts...); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("ambiguous match: err = %v, want ErrOpenFailed", err)
	}
	if _, err := OpenMatching(`"oops`, opts...); !errors.Is(err, ErrBadMatcher) {
		t.Errorf("bad expression: err = %v, want ErrBadMatcher", err)
	}
}

func TestOpenTransportFailure(t *testing.T) {
	boom := errors.New("boom")
	opener := func(name string, baud int) (Transport, error) { return nil, boom }
	lockDir := t.TempDir()

	_, err := Open("/dev/ttyFAKE0",
		WithTransport(opener), WithLockDir(lockDir), WithSharing(Exclusive))
	if !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("err = %v, want ErrOpenFailed", err)
	}
	if !strings.Contains(err.Error(), boom.Error()) {
		t.Errorf("err = %v, should mention the transport's error", err)
	}

	// The marker acquired before the transport attempt must be released.
	path := markerPath(lockDir, "/dev/ttyFAKE0")
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("failed open left its marker behind")
	}
}
