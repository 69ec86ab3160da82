// Package pool bounds the number of coding-agent subprocesses a daemon
// will run concurrently.
package pool

import (
	"context"
	"runtime"
	"strconv"
	"sync"
)

// EnvMaxProcesses is the environment variable a caller may read to size
// a Pool (spec.md §6); 0 or unset means "use the default".
const EnvMaxProcesses = "BETCODE_MAX_PROCESSES"

// DefaultSize returns NumCPU()*4, the spec's default for
// BETCODE_MAX_PROCESSES when unset or invalid.
func DefaultSize() int {
	return runtime.NumCPU() * 4
}

// SizeFromEnv parses raw (the BETCODE_MAX_PROCESSES value) into a pool
// size, falling back to DefaultSize() for an empty or non-positive value.
func SizeFromEnv(raw string) int {
	if raw == "" {
		return DefaultSize()
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultSize()
	}
	return n
}

// Pool is a FIFO semaphore of subprocess permits, sized by
// BETCODE_MAX_PROCESSES (default NumCPU()*4).
type Pool struct {
	sem chan struct{}
}

// New creates a pool with room for size concurrent subprocesses.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Permit is a held slot in the pool. Release is idempotent: calling it
// more than once (or on a zero Permit) is a no-op.
type Permit struct {
	pool     *Pool
	once     sync.Once
	released bool
}

// Acquire blocks until a permit is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Permit, error) {
	select {
	case p.sem <- struct{}{}:
		return &Permit{pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire returns a Permit immediately if one is free, or nil, false
// if the pool is currently at capacity.
func (p *Pool) TryAcquire() (*Permit, bool) {
	select {
	case p.sem <- struct{}{}:
		return &Permit{pool: p}, true
	default:
		return nil, false
	}
}

// Release returns the permit to the pool. Safe to call multiple times.
func (pm *Permit) Release() {
	if pm.pool == nil {
		return
	}
	pm.once.Do(func() {
		<-pm.pool.sem
	})
}

// InUse reports how many permits are currently held.
func (p *Pool) InUse() int {
	return len(p.sem)
}

// Capacity returns the pool's total permit count.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}
