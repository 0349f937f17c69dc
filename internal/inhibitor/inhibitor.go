// Package inhibitor holds a logind sleep inhibitor lock while the pack is
// connected, so the system is not suspended with contactors closed.
package inhibitor

import (
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
)

// retryInterval throttles acquisition attempts after a failure
const retryInterval = 10 * time.Second

// SleepInhibitor takes and releases a "block" inhibitor lock on demand.
// The lock is held for as long as the returned file descriptor is open.
type SleepInhibitor struct {
	logger *log.Logger
	who    string
	why    string
	now    func() time.Time

	fd          int
	lastAttempt time.Time

	acquire func(who, why string) (int, error)
	release func(fd int) error
}

// New creates an inhibitor that is not yet held
func New(logger *log.Logger, who, why string) *SleepInhibitor {
	return &SleepInhibitor{
		logger:  logger,
		who:     who,
		why:     why,
		now:     time.Now,
		fd:      -1,
		acquire: acquireLogind,
		release: syscall.Close,
	}
}

// acquireLogind calls Inhibit on systemd's login manager
func acquireLogind(who, why string) (int, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return -1, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	call := obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"sleep", // what to inhibit
		who,     // who
		why,     // why
		"block") // mode
	if call.Err != nil {
		return -1, fmt.Errorf("failed to acquire inhibitor lock: %w", call.Err)
	}

	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return -1, fmt.Errorf("failed to extract file descriptor: %w", err)
	}
	return int(fd), nil
}

// Update takes the lock when hold is true and releases it otherwise
func (s *SleepInhibitor) Update(hold bool) {
	switch {
	case hold && s.fd < 0:
		now := s.now()
		if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < retryInterval {
			return
		}
		s.lastAttempt = now

		fd, err := s.acquire(s.who, s.why)
		if err != nil {
			s.logger.Printf("Failed to take sleep inhibitor: %v", err)
			return
		}
		s.fd = fd
		s.lastAttempt = time.Time{}
		s.logger.Printf("Took sleep inhibitor (%s)", s.why)

	case !hold && s.fd >= 0:
		if err := s.Close(); err != nil {
			s.logger.Printf("Failed to release sleep inhibitor: %v", err)
			return
		}
		s.logger.Printf("Released sleep inhibitor")

	case !hold:
		s.lastAttempt = time.Time{}
	}
}

// Held is true while the lock is held
func (s *SleepInhibitor) Held() bool {
	return s.fd >= 0
}

// Close releases the lock if held
func (s *SleepInhibitor) Close() error {
	if s.fd < 0 {
		return nil
	}
	if err := s.release(s.fd); err != nil {
		return fmt.Errorf("failed to close inhibitor fd: %w", err)
	}
	s.fd = -1
	return nil
}
