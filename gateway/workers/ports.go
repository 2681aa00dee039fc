package workers

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out loopback ports from a fixed range, probing each
// candidate with a bind so a port another process grabbed is skipped.
type PortAllocator struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[int]bool
	next      int
}

func NewPortAllocator(minPort, maxPort int) (*PortAllocator, error) {
	if minPort <= 0 || maxPort < minPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	return &PortAllocator{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]bool),
		next:      minPort,
	}, nil
}

// Allocate reserves the next free port in the range. It scans at most one
// full cycle before giving up.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.maxPort - a.minPort + 1
	for i := 0; i < size; i++ {
		candidate := a.next
		a.next++
		if a.next > a.maxPort {
			a.next = a.minPort
		}
		if a.allocated[candidate] {
			continue
		}
		if !portFree(candidate) {
			continue
		}
		a.allocated[candidate] = true
		return candidate, nil
	}
	return 0, fmt.Errorf("no free ports in range %d-%d", a.minPort, a.maxPort)
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.allocated, port)
	a.mu.Unlock()
}

// portFree reports whether the port can be bound on loopback right now.
func portFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
