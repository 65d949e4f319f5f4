package reqpipeline

import (
	"sync"

	"github.com/AdguardTeam/golibs/log"
)

// Executor runs submitted tasks. Delivery requires that tasks submitted
// through one Executor instance execute in submission order, which is
// what lets a soft-TTL intermediate delivery and its later final delivery
// be observed in order.
type Executor interface {
	Submit(task func())
}

// SerialExecutor is the default Executor: a single background goroutine
// draining a FIFO channel, standing in for the caller's own "main thread"
// when no caller-supplied executor is given to NewDelivery.
type SerialExecutor struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewSerialExecutor starts the background goroutine and returns the
// executor. Call Close to stop it once the pipeline is torn down.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *SerialExecutor) run() {
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.done:
			return
		}
	}
}

// Submit enqueues task; it is dropped silently if the executor has been
// closed.
func (e *SerialExecutor) Submit(task func()) {
	select {
	case e.tasks <- task:
	case <-e.done:
	}
}

// Close stops the background goroutine. Idempotent.
func (e *SerialExecutor) Close() {
	e.once.Do(func() { close(e.done) })
}

// Delivery is the Response Delivery stage (C8): it posts parsed responses
// and errors onto the chosen Executor in submission order.
type Delivery struct {
	exec Executor
}

// NewDelivery wraps exec, or a fresh SerialExecutor when exec is nil.
func NewDelivery(exec Executor) *Delivery {
	if exec == nil {
		exec = NewSerialExecutor()
	}
	return &Delivery{exec: exec}
}

// postResponse submits the terminal-or-intermediate delivery task for r.
// The parser must already have run (via Request.runParser) or the pending
// error must already be stashed (via Request.setPendingError) before this
// is called — posting only performs the ordered hand-off to the listener.
func (d *Delivery) postResponse(r queueable, intermediate bool, after func()) {
	tag := "post-response"
	if intermediate {
		tag = "intermediate-response"
	}
	d.exec.Submit(func() {
		log.Debug("reqpipeline: delivery %s for %s", tag, r.id())
		r.postToDelivery(intermediate, after)
	})
}
