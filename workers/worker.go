package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pagemesh/pagemesh/internal/jobstore"
)

// Handler processes one reserved job. A returned error triggers the store's
// retry/backoff path; a panic is converted into the same.
type Handler func(ctx context.Context, job *jobstore.Job) error

// Pool runs a fixed number of workers against one queue. Concurrency is the
// explicit resource bound: at most Concurrency jobs from the queue are in
// flight in this process at any moment.
type Pool struct {
	Store       jobstore.Store
	Queue       string
	Concurrency int
	Handle      Handler
	Logger      *logrus.Logger

	// ReserveWait bounds each blocking poll so shutdown is responsive.
	ReserveWait time.Duration

	wg sync.WaitGroup
}

func NewPool(store jobstore.Store, queue string, concurrency int, handle Handler, logger *logrus.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{
		Store:       store,
		Queue:       queue,
		Concurrency: concurrency,
		Handle:      handle,
		Logger:      logger,
		ReserveWait: 5 * time.Second,
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until every in-flight job has been acked or failed.
func (p *Pool) Start(ctx context.Context) {
	p.Logger.WithFields(logrus.Fields{
		"queue":       p.Queue,
		"concurrency": p.Concurrency,
	}).Info("worker pool started")

	for i := 0; i < p.Concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.Logger.WithFields(logrus.Fields{"queue": p.Queue, "worker": id})

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return
		default:
		}

		job, err := p.Store.Reserve(ctx, p.Queue, p.ReserveWait)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return
			}
			log.WithError(err).Warn("failed to reserve job")
			// Back off briefly so a broken store does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, log, job)
	}
}

func (p *Pool) process(ctx context.Context, log *logrus.Entry, job *jobstore.Job) {
	jlog := log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type, "attempt": job.Attempts})

	err := p.safeHandle(ctx, job)
	if err != nil {
		jlog.WithError(err).Warn("job handler failed")
		if ferr := p.Store.Fail(ctx, job, err); ferr != nil {
			jlog.WithError(ferr).Error("failed to record job failure")
		}
		return
	}

	if aerr := p.Store.Ack(ctx, job); aerr != nil {
		// The reservation expires and the job is redelivered; handlers are
		// idempotent for exactly this reason.
		jlog.WithError(aerr).Warn("failed to ack completed job")
		return
	}
	jlog.Debug("job completed")
}

func (p *Pool) safeHandle(ctx context.Context, job *jobstore.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return p.Handle(ctx, job)
}
