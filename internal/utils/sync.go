// Package utils holds small helpers shared by the allocators.
package utils

import (
	"sync"
)

// OptionalMutex is a mutex that only locks when UseMutex is set. Allocators embed one and
// turn it on when they are created with their synchronized flag, so the single-threaded
// path pays nothing beyond a branch.
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
