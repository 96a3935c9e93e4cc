package okserial

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// Port is metadata about a serial port found on the system.
type Port struct {
	// Name is the OS device identifier, eg. /dev/ttyUSB3.
	Name string
	// Attr holds descriptive attributes (vid_pid, serial_number, product,
	// ...) as lowercase-keyed strings, for matching and display.
	Attr map[string]string
}

func (p Port) String() string { return p.Name }

// key identifies one appearance of a device, so a re-plugged port with the
// same name still counts as new.
func (p Port) key() string { return p.Name + "@" + p.Attr["time"] }

// ScanFunc enumerates currently attached serial ports. Injectable for tests
// and alternative discovery backends; Scan is the default.
type ScanFunc func() ([]Port, error)

// ScanOverrideEnv names an environment variable that, when set to the path
// of a JSON file in {"port-name": {"attr": "value", ...}, ...} format, makes
// Scan return that listing instead of real system scan results.
const ScanOverrideEnv = "OK_SERIAL_SCAN_OVERRIDE"

// Scan returns the serial ports currently attached to the system, sorted by
// name with numeric runs compared as numbers (ttyUSB2 before ttyUSB10).
// Fails with ErrScanFailed on a system-level enumeration error.
func Scan() ([]Port, error) {
	if path := os.Getenv(ScanOverrideEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: can't read $%s %s: %v",
				ErrScanFailed, ScanOverrideEnv, path, err)
		}
		ports, err := portsFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%w: bad $%s %s: %v",
				ErrScanFailed, ScanOverrideEnv, path, err)
		}
		return ports, nil
	}

	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}

	out := make([]Port, 0, len(details))
	for _, d := range details {
		attr := map[string]string{"name": d.Name}
		if d.IsUSB {
			attr["subsystem"] = "usb"
			setAttr(attr, "vid", strings.ToLower(d.VID))
			setAttr(attr, "pid", strings.ToLower(d.PID))
			if d.VID != "" && d.PID != "" {
				attr["vid_pid"] = strings.ToLower(d.VID + ":" + d.PID)
			}
			setAttr(attr, "serial_number", d.SerialNumber)
			setAttr(attr, "product", d.Product)
		}
		if st, err := os.Stat(d.Name); err == nil {
			attr["time"] = st.ModTime().Format(time.RFC3339Nano)
		}
		out = append(out, Port{Name: d.Name, Attr: attr})
	}
	sortPorts(out)
	return out, nil
}

func setAttr(attr map[string]string, key, value string) {
	if value != "" && value != "n/a" {
		attr[key] = value
	}
}

func portsFromJSON(data []byte) ([]Port, error) {
	var byName map[string]map[string]string
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, err
	}
	out := make([]Port, 0, len(byName))
	for name, attr := range byName {
		if attr == nil {
			attr = map[string]string{}
		}
		if _, ok := attr["name"]; !ok {
			attr["name"] = name
		}
		out = append(out, Port{Name: name, Attr: attr})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ports []Port) {
	sort.Slice(ports, func(i, j int) bool {
		return naturalLess(ports[i].Name, ports[j].Name)
	})
}

// naturalLess compares strings with runs of digits ordered numerically.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ca, cb := a[0], b[0]
		if isDigit(ca) && isDigit(cb) {
			na, resta := digitRun(a)
			nb, restb := digitRun(b)
			if na != nb {
				return len(na) < len(nb) || (len(na) == len(nb) && na < nb)
			}
			a, b = resta, restb
			continue
		}
		if ca != cb {
			return ca < cb
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// digitRun splits off a leading run of digits, stripped of leading zeros.
func digitRun(s string) (run, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	run = strings.TrimLeft(s[:i], "0")
	return run, s[i:]
}
