package okserial

import "errors"

// Error taxonomy for port access. Specialized errors also answer errors.Is
// for their broader category, so callers can branch on either level:
//
//	errors.Is(err, okserial.ErrPortBusy)   // another owner holds the port
//	errors.Is(err, okserial.ErrOpenFailed) // any open failure, busy included
var (
	// ErrOpenFailed reports that a port could not be opened for a reason
	// other than contention (device removed, permission denied, bad params).
	ErrOpenFailed = errors.New("can't open serial port")

	// ErrPortBusy reports that another owner holds the port per the lock
	// protocol, or that the OS reports the device as busy.
	ErrPortBusy error = specialized{"serial port busy", ErrOpenFailed}

	// ErrIoFailed reports a read, write, or signal operation failing against
	// an already-open port. Once recorded on a connection it is terminal.
	ErrIoFailed = errors.New("serial port I/O failed")

	// ErrClosed reports that the connection was deliberately closed,
	// distinguished from ErrIoFailed so callers can tell intentional
	// shutdown apart from the device falling over.
	ErrClosed error = specialized{"serial port closed", ErrIoFailed}

	// ErrScanFailed reports a system-level error enumerating ports.
	ErrScanFailed = errors.New("can't scan serial ports")

	// ErrBadMatcher reports a malformed port match expression.
	ErrBadMatcher = errors.New("bad port match expression")
)

// specialized is a sentinel error that is also errors.Is-equal to a parent
// sentinel, modeling the PortBusy/OpenFailed and Closed/IoFailed pairs.
type specialized struct {
	msg    string
	parent error
}

func (e specialized) Error() string { return e.msg }

func (e specialized) Is(target error) bool { return target == e.parent }
