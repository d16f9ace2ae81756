package lib

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
)

// PortPool manages a pool of local UDP port numbers for senders.
// It is a ring of ports in random order.
type PortPool struct {
	ports           []int
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[int]struct{}
	mtx             sync.Mutex
}

// NewPortPool creates a new port pool covering minPort..maxPort inclusive
func NewPortPool(minPort, maxPort int) (*PortPool, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	capacity := maxPort - minPort + 1

	// Generate a random permutation of indices
	perm := rand.Perm(capacity)

	ports := make([]int, capacity)
	for i, v := range perm {
		ports[i] = minPort + v // ports becomes a random sequence of integers from minPort to maxPort
	}

	p := &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]struct{}),
		isEmpty:      false,
		isFull:       true,
	}

	return p, nil
}

// allocatePort retrieves a random port from the pool
func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	// Check if the pool is empty
	if p.isEmpty {
		slog.Warn("port allocation: port pool is empty")
		return 0, fmt.Errorf("port pool is empty")
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity // Move read index circularly

	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}

	p.isFull = false

	p.allocatedMap[port] = struct{}{}

	return port, nil
}

// returnPort gives an allocated port back to the pool
func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		slog.Warn("port pool: returned a port out of range", "port", port)
		return fmt.Errorf("port out of range")
	}

	if _, ok := p.allocatedMap[port]; !ok {
		return fmt.Errorf("port %d is not allocated", port)
	}

	if p.isFull {
		slog.Warn("port pool: pool is full, cannot return more ports", "port", port)
		return fmt.Errorf("port pool is full")
	}

	// Reuse the port number
	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity

	if p.writeIdx == p.readIdx {
		p.isFull = true
	}

	p.isEmpty = false

	// Remove the port from allocatedMap
	delete(p.allocatedMap, port)

	return nil
}

// Available returns the number of ports that can still be allocated
func (p *PortPool) Available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.allocatedMap)
}
