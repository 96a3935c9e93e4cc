package okserial

import (
	"fmt"
	"io"
	"sync"

	"github.com/creack/goselect"
	"golang.org/x/sys/unix"
)

// baudBits maps numeric baud rates to termios speed constants.
var baudBits = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134,
	150: unix.B150, 200: unix.B200, 300: unix.B300, 600: unix.B600,
	1200: unix.B1200, 1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800,
	9600: unix.B9600, 19200: unix.B19200, 38400: unix.B38400,
	57600: unix.B57600, 115200: unix.B115200, 230400: unix.B230400,
	460800: unix.B460800, 500000: unix.B500000, 576000: unix.B576000,
	921600: unix.B921600, 1000000: unix.B1000000, 1152000: unix.B1152000,
	1500000: unix.B1500000, 2000000: unix.B2000000, 2500000: unix.B2500000,
	3000000: unix.B3000000, 3500000: unix.B3500000, 4000000: unix.B4000000,
}

// unixTransport drives a tty file descriptor in raw mode. A self-pipe is
// multiplexed with the descriptor so CancelPending and Close can unblock a
// pending ReadSome from another goroutine.
type unixTransport struct {
	name  string
	fd    int
	pipeR int
	pipeW int

	mu        sync.Mutex
	cancelled bool
	closed    bool
	breakOn   bool
}

var errCancelled = fmt.Errorf("pending serial I/O cancelled")

// OpenTransport opens the named tty device in raw 8N1 mode at the given baud
// rate. It is the default TransportOpener. An EBUSY from the OS maps to
// ErrPortBusy; any other failure maps to ErrOpenFailed.
func OpenTransport(name string, baud int) (Transport, error) {
	speed, ok := baudBits[baud]
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported baud rate %d", ErrOpenFailed, name, baud)
	}

	// O_NONBLOCK so open doesn't hang waiting for carrier; cleared below.
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		if err == unix.EBUSY {
			return nil, fmt.Errorf("%w: %s (EBUSY)", ErrPortBusy, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
	}

	if err := configureRaw(fd, speed); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, name, err)
	}

	return &unixTransport{name: name, fd: fd, pipeR: pipeFds[0], pipeW: pipeFds[1]}, nil
}

// configureRaw puts the descriptor into raw mode: no input/output/line
// processing, 8 data bits, one read returns as soon as one byte arrives.
func configureRaw(fd int, speed uint32) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	tio.Cflag = unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	tio.Iflag = 0
	tio.Oflag = 0
	tio.Lflag = 0
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	tio.Ispeed = speed
	tio.Ospeed = speed
	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}

// ReadSome blocks until the device has data or the transport is cancelled.
// One select-then-read pass returns whatever is available up to len(p), so
// per-read latency is bounded by the first byte while bulk traffic still
// fills the buffer.
func (t *unixTransport) ReadSome(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if t.cancelled || t.closed {
			t.mu.Unlock()
			return 0, errCancelled
		}
		t.mu.Unlock()

		var rset goselect.FDSet
		rset.Set(uintptr(t.fd))
		rset.Set(uintptr(t.pipeR))
		max := t.fd
		if t.pipeR > max {
			max = t.pipeR
		}
		if err := goselect.Select(max+1, &rset, nil, nil, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if rset.IsSet(uintptr(t.pipeR)) {
			return 0, errCancelled
		}
		if !rset.IsSet(uintptr(t.fd)) {
			continue
		}

		n, err := unix.Read(t.fd, p)
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err != nil:
			return 0, err
		case n == 0:
			// Device disappeared out from under us.
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

func (t *unixTransport) WriteSome(p []byte) (int, error) {
	t.mu.Lock()
	if t.cancelled || t.closed {
		t.mu.Unlock()
		return 0, errCancelled
	}
	t.mu.Unlock()

	for {
		n, err := unix.Write(t.fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// CancelPending signals the self-pipe, failing any blocked or future reads
// and writes with errCancelled.
func (t *unixTransport) CancelPending() error {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	_, err := unix.Write(t.pipeW, []byte{0})
	return err
}

func (t *unixTransport) Signals() (ControlSignals, error) {
	bits, err := unix.IoctlGetInt(t.fd, unix.TIOCMGET)
	if err != nil {
		return ControlSignals{}, err
	}
	t.mu.Lock()
	breakOn := t.breakOn
	t.mu.Unlock()
	return ControlSignals{
		DTR:          bits&unix.TIOCM_DTR != 0,
		DSR:          bits&unix.TIOCM_DSR != 0,
		CTS:          bits&unix.TIOCM_CTS != 0,
		RTS:          bits&unix.TIOCM_RTS != 0,
		RI:           bits&unix.TIOCM_RI != 0,
		CD:           bits&unix.TIOCM_CAR != 0,
		SendingBreak: breakOn,
	}, nil
}

func (t *unixTransport) SetDTR(on bool) error { return t.setModemBit(unix.TIOCM_DTR, on) }

func (t *unixTransport) SetRTS(on bool) error { return t.setModemBit(unix.TIOCM_RTS, on) }

func (t *unixTransport) setModemBit(bit int, on bool) error {
	req := uint(unix.TIOCMBIC)
	if on {
		req = unix.TIOCMBIS
	}
	return unix.IoctlSetPointerInt(t.fd, req, bit)
}

// SetBreak asserts or clears a continuous break condition. The tty can't be
// queried for break state, so it is tracked here for Signals.
func (t *unixTransport) SetBreak(on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = unix.TIOCSBRK
	}
	if err := unix.IoctlSetInt(t.fd, req, 0); err != nil {
		return err
	}
	t.mu.Lock()
	t.breakOn = on
	t.mu.Unlock()
	return nil
}

func (t *unixTransport) Fd() (int, bool) { return t.fd, true }

func (t *unixTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	unix.Write(t.pipeW, []byte{0}) // wake any straggling select
	err := unix.Close(t.fd)
	unix.Close(t.pipeR)
	unix.Close(t.pipeW)
	return err
}
