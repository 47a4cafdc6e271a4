package pad

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Access monitor limits. Pad material moves in small messages; sustained
// bulk reads or repeated verification failures look like exfiltration or an
// online guessing attack, and both freeze the engine.
const (
	monitorWindow      = time.Minute
	monitorByteBudget  = 10 << 20
	monitorMaxFailures = 3
)

// AccessMonitor rate-limits pad access and counts consecutive failures.
// Once locked it stays locked; recovery is a fresh engine after operator
// review.
type AccessMonitor struct {
	mu  sync.Mutex
	clk clock.Clock

	windowStart time.Time
	windowBytes uint64
	failures    int
	locked      bool
	lockReason  string
}

// NewAccessMonitor creates a monitor on the given clock.
func NewAccessMonitor(clk clock.Clock) *AccessMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &AccessMonitor{clk: clk, windowStart: clk.Now()}
}

// RecordAccess accounts n bytes against the rate window. Exceeding the
// budget locks the monitor.
func (m *AccessMonitor) RecordAccess(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return fmt.Errorf("%w: %s", interfaces.ErrSecurityLockdown, m.lockReason)
	}

	now := m.clk.Now()
	if now.Sub(m.windowStart) >= monitorWindow {
		m.windowStart = now
		m.windowBytes = 0
	}

	m.windowBytes += uint64(n)
	if m.windowBytes > monitorByteBudget {
		m.locked = true
		m.lockReason = fmt.Sprintf("access rate %d bytes within %v", m.windowBytes, monitorWindow)
		return fmt.Errorf("%w: %s", interfaces.ErrSecurityLockdown, m.lockReason)
	}
	return nil
}

// RecordFailure counts one verification failure. Three in a row lock the
// monitor.
func (m *AccessMonitor) RecordFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return fmt.Errorf("%w: %s", interfaces.ErrSecurityLockdown, m.lockReason)
	}

	m.failures++
	if m.failures >= monitorMaxFailures {
		m.locked = true
		m.lockReason = fmt.Sprintf("%d consecutive verification failures", m.failures)
		return fmt.Errorf("%w: %s", interfaces.ErrSecurityLockdown, m.lockReason)
	}
	return nil
}

// ResetFailures clears the consecutive failure counter after a success.
func (m *AccessMonitor) ResetFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		m.failures = 0
	}
}

// Locked reports whether the monitor has tripped.
func (m *AccessMonitor) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}
