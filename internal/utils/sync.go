package utils

import (
	"sync"
)

// OptionalMutex is a mutex that does nothing unless UseMutex is set. Runtimes created with
// CreateExternallySynchronized leave it off.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// OptionalRWMutex is the read/write version of OptionalMutex
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// MutexSection is a global section backed by a plain mutex. Pending always reports false: a
// mutex never asks the workers outside it to come in.
type MutexSection struct {
	mutex sync.Mutex
}

func (s *MutexSection) Enter()        { s.mutex.Lock() }
func (s *MutexSection) Leave()        { s.mutex.Unlock() }
func (s *MutexSection) Pending() bool { return false }
