package okserial

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Sharing selects the port access negotiation strategy.
type Sharing int

const (
	// Oblivious performs no locking at all.
	Oblivious Sharing = iota
	// Polite defers to other users: it probes for contention but holds
	// nothing exclusive.
	Polite
	// Exclusive requires exclusive access, locking the port or failing.
	Exclusive
	// Stomp tries to kill other users, tries to lock the port, and opens it
	// regardless. Use with care.
	Stomp
)

func (s Sharing) String() string {
	switch s {
	case Oblivious:
		return "oblivious"
	case Polite:
		return "polite"
	case Exclusive:
		return "exclusive"
	case Stomp:
		return "stomp"
	default:
		return fmt.Sprintf("Sharing(%d)", int(s))
	}
}

// ParseSharing converts a mode name to a Sharing value.
func ParseSharing(name string) (Sharing, error) {
	for _, s := range []Sharing{Oblivious, Polite, Exclusive, Stomp} {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown sharing mode %q", name)
}

// DefaultLockDir is where ownership markers live unless overridden with
// WithLockDir.
const DefaultLockDir = "/var/lock"

// markerRetries bounds the create-race retry loop in acquireMarker.
const markerRetries = 10

// markerPath derives the marker file path for a device name:
// /dev/ttyUSB0 -> <dir>/LCK..ttyUSB0, /dev/pts/5 -> <dir>/LCK..pts.5.
func markerPath(lockDir, port string) string {
	base := strings.TrimPrefix(port, "/dev/")
	base = strings.ReplaceAll(base, "/", ".")
	return filepath.Join(lockDir, "LCK.."+base)
}

// acquireMarker claims the durable ownership marker for a port: a file
// recording our PID that unrelated processes (even ones sharing only a
// mount) can inspect. Returns a release func to run after the port closes.
//
// Beyond the primary contention case, the marker layer is best-effort:
// unexpected I/O failures are logged and the connection proceeds without
// that layer of protection.
func acquireMarker(lockDir, port string, sharing Sharing, log *zap.SugaredLogger) (func(), error) {
	if sharing == Oblivious {
		return func() {}, nil
	}
	if info, err := os.Stat(lockDir); err != nil || !info.IsDir() {
		log.Debugw("No lock directory", "dir", lockDir)
		return func() {}, nil
	}

	path := markerPath(lockDir, port)
	for try := 0; try < markerRetries; try++ {
		ok, err := tryMarker(path, port, sharing, log)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { releaseMarker(path, sharing, log) }, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (contention retries exceeded)", ErrPortBusy, port)
}

// tryMarker makes one attempt to claim the marker. A false, nil return means
// another caller raced us creating the file and the attempt should repeat.
func tryMarker(path, port string, sharing Sharing, log *zap.SugaredLogger) (bool, error) {
	if owner := markerOwner(path, log); owner != 0 {
		if owner == os.Getpid() {
			log.Debugw("Marker already ours", "path", path)
			return true, nil
		}
		if sharing != Stomp {
			return false, fmt.Errorf("%w: %s (%s: pid=%d)", ErrPortBusy, port, path, owner)
		}
		if err := unix.Kill(owner, unix.SIGTERM); err != nil {
			log.Warnw("Can't kill marker owner", "pid", owner, "path", path, "error", err)
		} else {
			log.Debugw("Killed marker owner", "pid", owner, "path", path)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if sharing == Stomp {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		log.Warnw("Conflict creating marker", "path", path)
		return false, nil
	}
	if err != nil {
		log.Warnw("Can't create marker", "path", path, "error", err)
		return true, nil // proceed without this protection layer
	}
	_, err = fmt.Fprintf(f, "%10d\n", os.Getpid())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Warnw("Can't write marker", "path", path, "error", err)
		return true, nil // proceed without this protection layer
	}
	log.Debugw("Claimed marker", "path", path)
	return true, nil
}

// releaseMarker removes the marker only if its recorded owner is this
// process; another process's marker is never deleted at release time.
func releaseMarker(path string, sharing Sharing, log *zap.SugaredLogger) {
	if sharing == Oblivious || markerOwner(path, log) != os.Getpid() {
		return
	}
	if err := os.Remove(path); err != nil {
		log.Warnw("Can't release marker", "path", path, "error", err)
	} else {
		log.Debugw("Released marker", "path", path)
	}
}

// markerOwner returns the live PID recorded in a marker, or 0 if there is no
// marker or no live owner. Markers naming dead processes or holding garbage
// are stale and removed here, at read time.
func markerOwner(path string, log *zap.SugaredLogger) int {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	if err != nil {
		log.Warnw("Can't check marker", "path", path, "error", err)
		return 0
	}

	pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
	if convErr == nil && pid > 0 && processAlive(pid) {
		return pid
	}
	if err := os.Remove(path); err != nil {
		log.Warnw("Can't remove stale marker", "path", path, "error", err)
	} else {
		log.Debugw("Removed stale marker", "path", path)
	}
	return 0
}

// processAlive probes a PID with signal 0. EPERM still means alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// lockHandle applies the fd-level lock for the sharing mode: an advisory
// flock visible to cooperating code holding the same device node, plus (for
// Exclusive/Stomp) the TIOCEXCL exclusive-access mark that blocks other
// opens of the node entirely. Returns an unlock func to run before the fd
// is closed.
func lockHandle(fd int, port string, sharing Sharing, log *zap.SugaredLogger) (func(), error) {
	if sharing == Oblivious {
		return func() {}, nil
	}

	switch sharing {
	case Polite:
		// Probe exclusively, release, then hold a shared lock: detects
		// conflicts without denying anyone else access.
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			if err == unix.EWOULDBLOCK {
				return nil, fmt.Errorf("%w: %s (flock)", ErrPortBusy, port)
			}
			log.Warnw("Can't lock (flock)", "port", port, "error", err)
			break
		}
		unix.Flock(fd, unix.LOCK_UN|unix.LOCK_NB)
		unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB)
		log.Debugw("Acquired flock(LOCK_SH)", "port", port)

	default: // Exclusive, Stomp
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			switch {
			case err != unix.EWOULDBLOCK:
				log.Warnw("Can't lock (flock)", "port", port, "error", err)
			case sharing == Exclusive:
				return nil, fmt.Errorf("%w: %s (flock)", ErrPortBusy, port)
			default:
				log.Warnw("Port flocked elsewhere, stomping on", "port", port)
			}
		} else {
			log.Debugw("Acquired flock(LOCK_EX)", "port", port)
		}
		if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
			log.Warnw("Can't lock (TIOCEXCL)", "port", port, "error", err)
		} else {
			log.Debugw("Acquired TIOCEXCL", "port", port)
		}
	}

	unlock := func() {
		if sharing == Exclusive || sharing == Stomp {
			if err := unix.IoctlSetInt(fd, unix.TIOCNXCL, 0); err != nil {
				log.Warnw("Can't release TIOCEXCL", "port", port, "error", err)
			} else {
				log.Debugw("Released TIOCEXCL", "port", port)
			}
		}
		if err := unix.Flock(fd, unix.LOCK_UN|unix.LOCK_NB); err != nil {
			log.Warnw("Can't release flock", "port", port, "error", err)
		} else {
			log.Debugw("Released flock", "port", port)
		}
	}
	return unlock, nil
}
