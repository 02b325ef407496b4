package firewall

import (
	"context"
	"sync"
)

// Memory is an in-process effector. It backs the "noop" backend for dry runs
// and doubles as a recording fake in tests.
type Memory struct {
	mu        sync.Mutex
	rules     map[string]string
	applies   int
	adds      int
	removes   int
	deletes   int
	applyErr  error
	removeErr error
	hook      func(op, address string)
}

func NewMemory() *Memory {
	return &Memory{rules: make(map[string]string)}
}

func (m *Memory) Name() string { return "noop" }

func (m *Memory) Present(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rules[address]
	return ok, nil
}

func (m *Memory) Apply(_ context.Context, address, comment string) (bool, error) {
	m.mu.Lock()
	hook := m.hook
	m.applies++
	if m.applyErr != nil {
		err := m.applyErr
		m.mu.Unlock()
		return false, err
	}
	_, exists := m.rules[address]
	if !exists {
		m.rules[address] = comment
		m.adds++
	}
	m.mu.Unlock()
	if hook != nil {
		hook("apply", address)
	}
	return !exists, nil
}

func (m *Memory) Remove(_ context.Context, address string) (RemoveOutcome, error) {
	m.mu.Lock()
	hook := m.hook
	m.removes++
	if m.removeErr != nil {
		err := m.removeErr
		m.mu.Unlock()
		return "", err
	}
	_, exists := m.rules[address]
	if exists {
		delete(m.rules, address)
		m.deletes++
	}
	m.mu.Unlock()
	if hook != nil {
		hook("remove", address)
	}
	if !exists {
		return AlreadyAbsent, nil
	}
	return Removed, nil
}

// SetErrors makes subsequent Apply/Remove calls fail with the given errors.
// Pass nil to clear.
func (m *Memory) SetErrors(applyErr, removeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr, m.removeErr = applyErr, removeErr
}

// SetHook installs a callback run after every Apply/Remove, outside the
// effector's own lock.
func (m *Memory) SetHook(fn func(op, address string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Stats reports call counts: Apply calls, rules actually added, Remove calls,
// rules actually deleted.
func (m *Memory) Stats() (applies, adds, removes, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applies, m.adds, m.removes, m.deletes
}

// Rules returns a copy of the active rules keyed by address.
func (m *Memory) Rules() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.rules))
	for k, v := range m.rules {
		out[k] = v
	}
	return out
}
