package fleet

import (
	"sync"

	"github.com/pthm-cable/sugeno/features"
)

// parallelThreshold is the minimum ship count to use parallel inference.
// Below this, single-threaded is faster due to goroutine overhead.
const parallelThreshold = 64

// workChunk is a range of snapshots for one worker.
type workChunk struct {
	start, end int
}

// workerPool runs inference chunks on persistent goroutines.
type workerPool struct {
	numWorkers int

	workChan chan workChunk
	doneChan chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

func newWorkerPool(numWorkers int) *workerPool {
	return &workerPool{numWorkers: max(numWorkers, 1)}
}

func (p *workerPool) start(s *Sandbox) {
	if p.running {
		return
	}
	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(s)
	}
}

func (p *workerPool) stop() {
	if !p.running {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

func (p *workerPool) worker(s *Sandbox) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			s.computeChunk(chunk.start, chunk.end)
			p.doneChan <- struct{}{}
		}
	}
}

// computeParallel splits n snapshots across the pool and waits for all
// chunks to finish.
func (s *Sandbox) computeParallel(n int) {
	p := s.pool
	p.start(s)

	chunkSize := (n + p.numWorkers - 1) / p.numWorkers
	dispatched := 0
	for w := 0; w < p.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		p.workChan <- workChunk{start: start, end: end}
		dispatched++
	}
	for i := 0; i < dispatched; i++ {
		<-p.doneChan
	}
}

// computeChunk runs feature extraction and the policy for snapshots
// [start, end). Each index is written by exactly one worker.
func (s *Sandbox) computeChunk(start, end int) {
	for i := start; i < end; i++ {
		s.vectors[i] = features.Compute(&s.snapshots[i], s.asteroids)
		s.intents[i] = s.policy.ActOn(&s.vectors[i])
	}
}
