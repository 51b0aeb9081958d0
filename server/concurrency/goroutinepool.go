/******************************************************************************
 *
 *  Description :
 *    A small bounded worker pool for background fan-out work.
 *
 *****************************************************************************/
package concurrency

// Task is a unit of work to be run on the pool.
type Task func()

type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Limits the number of live worker goroutines.
	sem chan struct{}
	// Exit knob.
	stop chan struct{}
}

// NewGoRoutinePool allocates a pool running at most numWorkers
// goroutines. Workers are started lazily as tasks arrive.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}, numWorkers),
	}
}

// Schedule hands a task to an idle worker, spawning one if the pool is
// below its limit. Blocks while all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	}
}

// Stop signals every worker to exit after its current task.
func (p *GoRoutinePool) Stop() {
	numWorkers := cap(p.sem)
	for i := 0; i < numWorkers; i++ {
		p.stop <- struct{}{}
	}
}

func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}
