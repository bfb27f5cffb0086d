package usage

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/nghyane/llm-relay/internal/logging"
)

const defaultQueueSize = 1024

// Dispatcher is an asynchronous Publisher fanning records out to plugins on
// a single worker goroutine, so a slow sink never delays a provider call.
type Dispatcher struct {
	queue    chan dispatchItem
	mu       sync.RWMutex
	plugins  []Plugin
	dropped  atomic.Int64
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type dispatchItem struct {
	ctx    context.Context
	record Record
}

// NewDispatcher starts the worker. queueSize <= 0 uses the default.
func NewDispatcher(queueSize int, plugins ...Plugin) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		queue:    make(chan dispatchItem, queueSize),
		stopChan: make(chan struct{}),
	}
	for _, p := range plugins {
		d.Register(p)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Register adds a sink.
func (d *Dispatcher) Register(p Plugin) {
	if p == nil {
		return
	}
	d.mu.Lock()
	d.plugins = append(d.plugins, p)
	d.mu.Unlock()
}

// Publish enqueues record; when the queue is full the record is dropped.
func (d *Dispatcher) Publish(ctx context.Context, record Record) {
	if d == nil {
		return
	}
	select {
	case <-d.stopChan:
		return
	default:
	}
	// detach from request cancellation, sinks run after the call returns
	item := dispatchItem{ctx: context.WithoutCancel(ctx), record: record}
	select {
	case d.queue <- item:
	default:
		d.dropped.Add(1)
		log.Warnf("usage queue full, dropping record for %s/%s", record.Provider, record.Model)
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		case <-d.stopChan:
			for {
				select {
				case item := <-d.queue:
					d.deliver(item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(item dispatchItem) {
	d.mu.RLock()
	plugins := d.plugins
	d.mu.RUnlock()
	for _, p := range plugins {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("usage plugin %T panicked: %v", p, r)
				}
			}()
			p.HandleUsage(item.ctx, item.record)
		}()
	}
}

// Stop drains queued records into the plugins and stops the worker.
func (d *Dispatcher) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stopChan)
		d.wg.Wait()
	})
}
