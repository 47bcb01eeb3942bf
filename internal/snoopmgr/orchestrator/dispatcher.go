package orchestrator

import (
	"sync"
)

// Dispatcher runs tasks serially per key and concurrently across keys. A
// key's queue exists only while it has pending work.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string][]func()
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{queues: make(map[string][]func())}
}

// Dispatch queues task behind earlier tasks for key. It returns false once
// the dispatcher is closed.
func (d *Dispatcher) Dispatch(key string, task func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	pending, running := d.queues[key]
	d.queues[key] = append(pending, task)
	if !running {
		d.wg.Add(1)
		go d.drain(key)
	}
	return true
}

func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		pending := d.queues[key]
		if len(pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := pending[0]
		d.queues[key] = pending[1:]
		d.mu.Unlock()

		task()
	}
}

// Pending returns the number of keys with queued or running work.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close rejects new tasks and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
