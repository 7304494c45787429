package vm

import "fmt"

// ---------------------------------------------------------------------------
// Memory accounting
// ---------------------------------------------------------------------------

// ErrMemoryLimit is returned by reserve when an allocation would push the
// runtime past its configured ceiling.
var ErrMemoryLimit = fmt.Errorf("vm: memory limit exceeded")

// AllocObserver receives accounting callbacks so a host can layer its own
// bookkeeping over the runtime's. Both hooks run on the runtime
// goroutine.
type AllocObserver interface {
	Reserved(bytes int64)
	Released(bytes int64)
}

// memAccount meters every heap reservation against an optional ceiling.
// It counts logical bytes, not Go allocator bytes: cell payloads, shape
// tables and atom storage, sized by the same formulas the usage census
// reports.
type memAccount struct {
	reserved int64
	limit    int64 // 0 means unlimited
	observer AllocObserver
}

func (m *memAccount) reserve(n int64) error {
	if n < 0 {
		n = 0
	}
	if m.limit > 0 && m.reserved+n > m.limit {
		return ErrMemoryLimit
	}
	m.reserved += n
	if m.observer != nil {
		m.observer.Reserved(n)
	}
	return nil
}

func (m *memAccount) release(n int64) {
	if n < 0 {
		n = 0
	}
	m.reserved -= n
	if m.reserved < 0 {
		m.reserved = 0
	}
	if m.observer != nil {
		m.observer.Released(n)
	}
}

func (m *memAccount) used() int64 { return m.reserved }

// SetMemoryLimit caps the logical bytes the runtime may hold. Zero
// removes the cap. Allocations past the cap fail with an out-of-memory
// exception marked uncatchable.
func (rt *Runtime) SetMemoryLimit(bytes int64) {
	rt.mem.limit = bytes
}

// SetAllocObserver installs host-side accounting callbacks.
func (rt *Runtime) SetAllocObserver(obs AllocObserver) {
	rt.mem.observer = obs
}
