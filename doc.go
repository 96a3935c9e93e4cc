// Package okserial provides reliable, concurrent access to serial ports whose
// availability is unpredictable: devices that appear and disappear, get
// claimed by other processes, or stop responding mid-session.
//
// # Opening a port
//
// Open a port by device name, or by a match expression against the attributes
// reported by the system scanner:
//
//	conn, err := okserial.Open("/dev/ttyUSB0", okserial.WithBaud(115200))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	conn, err = okserial.OpenMatching("vid_pid=0403*",
//	    okserial.WithSharing(okserial.Polite))
//
// Opening negotiates a two-layer advisory lock (a /var/lock marker file plus
// an flock/TIOCEXCL handle lock) according to the configured Sharing mode,
// then starts a reader and a writer goroutine that pump the device.
//
// # I/O
//
// Reads and writes go through buffers owned by the connection:
//
//	data, err := conn.ReadSync(2 * time.Second) // empty slice on timeout
//	err = conn.Write([]byte("AT\r\n"))          // never blocks
//	done, err := conn.DrainSync(time.Second)    // wait for transmission
//
// Write never blocks; the outgoing buffer grows without bound and DrainSync
// or DrainContext observe its transmission. A transport fault is terminal:
// every later operation on the connection fails with the same error, and
// callers distinguish a deliberate Close (ErrClosed) from a device failure
// (ErrIoFailed) with errors.Is.
//
// # Tracking a device across unplug events
//
// A Tracker maintains one healthy connection to whatever port matches an
// expression, re-scanning on a polling interval and re-connecting after
// faults:
//
//	trk, err := okserial.NewTracker("product=*GPS*", okserial.WithBaud(9600))
//	defer trk.Close()
//	conn, err := trk.ConnectSync(okserial.Forever)
//
// # Match expressions
//
// Expressions are whitespace-separated terms, each either "attr=value"
// (whole-value, attribute names select by prefix), a bare value matched as
// a word against every attribute, or a ~/regex/ term. Values take * and ?
// wildcards and quotes, numbers match in any base, and a leading ! inverts
// a term:
//
//	name=ttyACM* vid_pid=0403*
//	serial="A600 8dBz" !0x2e8a
//
// # Platform support
//
// The built-in transport targets Linux (termios via golang.org/x/sys/unix).
// Both the transport and the port scanner are injectable, so the rest of the
// package is platform-neutral.
package okserial
