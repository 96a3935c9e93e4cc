package okserial

// ControlSignals is a snapshot of the RS-232 modem control lines, outgoing
// (DTE to DCE) and incoming (DCE to DTE), plus the break condition.
type ControlSignals struct {
	DTR bool // Data Terminal Ready (outgoing)
	DSR bool // Data Set Ready
	CTS bool // Clear To Send
	RTS bool // Request To Send (outgoing)
	RI  bool // Ring Indicator
	CD  bool // Carrier Detect

	// SendingBreak reports whether a continuous break condition is asserted.
	SendingBreak bool
}

// SignalChanges selects outgoing control lines to change; a nil field leaves
// that line untouched.
type SignalChanges struct {
	DTR       *bool
	RTS       *bool
	SendBreak *bool
}

// Transport is the minimal capability the connection engine drives: one open
// device handle with blocking reads and writes. The engine assumes the
// transport cannot be made non-blocking at the OS level and compensates with
// size-limited requests plus cancellable reads.
//
// Implementations must tolerate CancelPending and Close racing a blocked
// ReadSome or WriteSome, unblocking them with an error.
type Transport interface {
	// ReadSome blocks until at least one byte is available, then reads up to
	// len(p) bytes. It returns an error after CancelPending or Close.
	ReadSome(p []byte) (int, error)

	// WriteSome writes some prefix of p, blocking until at least one byte
	// is accepted, and returns how many bytes were written.
	WriteSome(p []byte) (int, error)

	// CancelPending unblocks any in-flight ReadSome/WriteSome calls and
	// makes future ones fail. Best-effort.
	CancelPending() error

	// Signals reports the current modem control line state.
	Signals() (ControlSignals, error)

	SetDTR(on bool) error
	SetRTS(on bool) error
	SetBreak(on bool) error

	// Fd exposes the underlying OS file descriptor for advisory locking,
	// reporting false when no descriptor is available.
	Fd() (int, bool)

	Close() error
}

// TransportOpener opens a device by name at the given baud rate. Injectable
// via WithTransport; OpenTransport is the default.
type TransportOpener func(name string, baud int) (Transport, error)
