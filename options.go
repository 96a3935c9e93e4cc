package okserial

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the tunable parameters shared by connections and trackers.
type Config struct {
	Baud         int
	Sharing      Sharing
	LockDir      string
	ScanInterval time.Duration
	Logger       *zap.SugaredLogger
	Transport    TransportOpener
	Scanner      ScanFunc
}

// Option is a functional option applied by Open, OpenMatching, and
// NewTracker.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults: 115200 baud,
// exclusive sharing, /var/lock markers, a 500ms re-scan interval, no
// logging, and the system transport and scanner.
func DefaultConfig() Config {
	return Config{
		Baud:         115200,
		Sharing:      Exclusive,
		LockDir:      DefaultLockDir,
		ScanInterval: 500 * time.Millisecond,
		Logger:       zap.NewNop().Sugar(),
		Transport:    OpenTransport,
		Scanner:      Scan,
	}
}

func applyOptions(opts []Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// WithBaud sets the baud rate.
func WithBaud(rate int) Option {
	return func(c *Config) error {
		if rate <= 0 {
			return fmt.Errorf("invalid baud rate %d", rate)
		}
		c.Baud = rate
		return nil
	}
}

// WithSharing sets the port access negotiation strategy.
func WithSharing(s Sharing) Option {
	return func(c *Config) error {
		if s < Oblivious || s > Stomp {
			return fmt.Errorf("invalid sharing mode %v", s)
		}
		c.Sharing = s
		return nil
	}
}

// WithLockDir redirects ownership markers away from DefaultLockDir, eg. into
// a sandbox for tests.
func WithLockDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("empty lock directory")
		}
		c.LockDir = dir
		return nil
	}
}

// WithScanInterval sets how often a Tracker re-scans for ports.
func WithScanInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("invalid scan interval %v", d)
		}
		c.ScanInterval = d
		return nil
	}
}

// WithLogger routes debug and warning output to the given logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Config) error {
		if log == nil {
			log = zap.NewNop().Sugar()
		}
		c.Logger = log
		return nil
	}
}

// WithTransport substitutes the device-opening primitive, eg. a loopback
// transport for tests.
func WithTransport(open TransportOpener) Option {
	return func(c *Config) error {
		if open == nil {
			return fmt.Errorf("nil transport opener")
		}
		c.Transport = open
		return nil
	}
}

// WithScanner substitutes the port enumeration routine.
func WithScanner(scan ScanFunc) Option {
	return func(c *Config) error {
		if scan == nil {
			return fmt.Errorf("nil scanner")
		}
		c.Scanner = scan
		return nil
	}
}
