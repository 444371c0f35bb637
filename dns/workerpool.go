package dns

import (
	"runtime"
	"sync/atomic"
)

// lookupJob is one blocking resolution request dispatched to a worker.
type lookupJob struct {
	hostname string
	run      func(hostname string) ([]ResolvedAddress, error)
	done     func(addrs []ResolvedAddress, err error)
}

// workerQueue is a single worker's inbox.
type workerQueue struct {
	jobs chan lookupJob
}

// workerPool is a small work-stealing pool of goroutines performing
// blocking DNS lookups off the reactor thread.
type workerPool struct {
	numWorkers int
	queues     []*workerQueue
	closed     atomic.Bool
	submitted  atomic.Uint64
}

func newWorkerPool(numWorkers int) *workerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	p := &workerPool{
		numWorkers: numWorkers,
		queues:     make([]*workerQueue, numWorkers),
	}
	for i := 0; i < numWorkers; i++ {
		p.queues[i] = &workerQueue{jobs: make(chan lookupJob, 64)}
	}
	for i := 0; i < numWorkers; i++ {
		go p.runWorker(i)
	}
	return p
}

// submit dispatches a job using round-robin placement with a one-hop
// fallback before running inline.
func (p *workerPool) submit(job lookupJob) {
	if p.closed.Load() {
		job.done(nil, errPoolClosed)
		return
	}

	idx := int(p.submitted.Add(1)) % p.numWorkers
	select {
	case p.queues[idx].jobs <- job:
		return
	default:
	}

	idx = (idx + 1) % p.numWorkers
	select {
	case p.queues[idx].jobs <- job:
	default:
		p.execute(job)
	}
}

func (p *workerPool) runWorker(id int) {
	own := p.queues[id]
	for {
		select {
		case job, ok := <-own.jobs:
			if !ok {
				return
			}
			p.execute(job)
			continue
		default:
		}

		if p.trySteal(id) {
			continue
		}

		job, ok := <-own.jobs
		if !ok {
			return
		}
		p.execute(job)
	}
}

func (p *workerPool) trySteal(id int) bool {
	start := (id + 1) % p.numWorkers
	for i := 0; i < p.numWorkers-1; i++ {
		victim := p.queues[(start+i)%p.numWorkers]
		select {
		case job, ok := <-victim.jobs:
			if !ok {
				continue
			}
			p.execute(job)
			return true
		default:
		}
	}
	return false
}

func (p *workerPool) execute(job lookupJob) {
	if p.closed.Load() {
		job.done(nil, errPoolClosed)
		return
	}
	addrs, err := job.run(job.hostname)
	job.done(addrs, err)
}

func (p *workerPool) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, q := range p.queues {
		close(q.jobs)
	}
}
