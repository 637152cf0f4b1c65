package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docpipe/internal/errs"
	"github.com/local/docpipe/internal/metrics"
	"github.com/local/docpipe/internal/queue"
)

// Pool consumes processing jobs with a fixed number of workers. Jobs ack
// after the run; crashes redeliver, and the store's conditional writes make
// redelivery of an already-advanced document a no-op.
type Pool struct {
	proc        *Processor
	queue       queue.Queue
	concurrency int
	block       time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds the pool.
func NewPool(proc *Processor, q queue.Queue, concurrency int, block time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if block <= 0 {
		block = time.Second
	}
	return &Pool{proc: proc, queue: q, concurrency: concurrency, block: block}
}

// Start launches the workers.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	log.Info().Int("workers", p.concurrency).Msg("worker pool started")
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	consumer := fmt.Sprintf("worker-%d", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgID, job, err := p.queue.Dequeue(ctx, consumer, p.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if job == nil {
			continue
		}

		metrics.WorkerBusy(1)
		p.handle(ctx, *job)
		metrics.WorkerBusy(-1)

		if err := p.queue.Ack(ctx, msgID); err != nil {
			log.Warn().Err(err).Str("msg_id", msgID).Msg("ack failed")
		}
	}
}

// handle runs one job, recovering panics into a FAILED document instead of
// taking the worker down.
func (p *Pool) handle(ctx context.Context, job queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("document_id", job.DocumentID).Any("panic", r).Msg("processing panicked")
			p.proc.fail(ctx, job.DocumentID, errs.Internal(fmt.Errorf("%v", r), "processing crashed"))
		}
	}()

	_, ok, err := p.proc.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		log.Error().Err(err).Str("document_id", job.DocumentID).Msg("could not load document for job")
		return
	}
	if !ok {
		// Deleted between enqueue and dequeue; park the job for diagnosis.
		_ = p.queue.AddDLQ(ctx, job, "document row missing")
		return
	}

	if job.Resume {
		// Retry/Rebuild already moved the row to PROCESSING.
		err = p.proc.run(ctx, job.DocumentID)
	} else {
		err = p.proc.Process(ctx, job.DocumentID)
	}
	if err != nil {
		log.Debug().Err(err).Str("document_id", job.DocumentID).Msg("job ended with error")
	}
}

// ReportDepths pushes queue depth gauges; called on a ticker by the daemon.
func (p *Pool) ReportDepths(ctx context.Context) {
	ready, dlq, err := p.queue.Depths(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth("process", ready)
	metrics.SetQueueDepth("dlq", dlq)
}
