package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/astromechza/boardsync/pkg/store"
)

type jobKind int

const (
	jobAppend jobKind = iota
	jobCompact
	jobBarrier
)

type job struct {
	kind jobKind
	data []byte
	done chan struct{}
}

// persister writes a room's ops and snapshots to the store in the order they were enqueued. The queue is
// unbounded so that a slow store never blocks the room lock. A compaction job truncates the log up to the last
// append that ran before it, which is exactly the set of ops its snapshot was taken after.
type persister struct {
	boardID string
	store   store.Store
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool

	// lastSeq is only touched by the run goroutine
	lastSeq       int64
	failedAppends atomic.Int64
	compactions   atomic.Int64
	stopped       chan struct{}
}

func newPersister(boardID string, s store.Store, lastSeq int64, opts Options, logger *slog.Logger) *persister {
	p := &persister{
		boardID: boardID,
		store:   s,
		opts:    opts,
		logger:  logger,
		lastSeq: lastSeq,
		stopped: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *persister) enqueue(j job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, j)
	p.cond.Signal()
	return true
}

func (p *persister) append(data []byte) {
	if !p.enqueue(job{kind: jobAppend, data: data}) {
		p.logger.Error("dropping append on closed persister")
	}
}

func (p *persister) compact(snapshot []byte) {
	if !p.enqueue(job{kind: jobCompact, data: snapshot}) {
		p.logger.Error("dropping compaction on closed persister")
	}
}

// flush waits until every job enqueued before it has run.
func (p *persister) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !p.enqueue(job{kind: jobBarrier, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting jobs and waits for the queue to drain.
func (p *persister) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.stopped
}

func (p *persister) run() {
	defer close(p.stopped)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue[0] = job{}
		p.queue = p.queue[1:]
		p.mu.Unlock()

		switch j.kind {
		case jobAppend:
			p.runAppend(j.data)
		case jobCompact:
			p.runCompact(j.data)
		case jobBarrier:
			close(j.done)
		}
	}
}

func (p *persister) runAppend(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StoreTimeout)
	defer cancel()
	seq, err := p.store.Append(ctx, p.boardID, data)
	if err != nil {
		p.failedAppends.Add(1)
		p.logger.Error("failed to append op", "err", err)
		return
	}
	p.lastSeq = seq
}

func (p *persister) runCompact(snapshot []byte) {
	upTo := p.lastSeq
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryInterval
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.StoreTimeout)
		defer cancel()
		if err := p.store.Compact(ctx, p.boardID, snapshot, upTo); err != nil {
			return fmt.Errorf("failed to compact: %w", err)
		}
		return nil
	}, backoff.WithMaxRetries(b, p.opts.RetryAttempts), func(err error, wait time.Duration) {
		p.logger.Warn("compaction failed, retrying", "attempt", attempt, "wait", wait, "err", err)
	})
	if err != nil {
		p.logger.Error("giving up on compaction", "attempts", attempt, "err", err)
		return
	}
	p.compactions.Add(1)
	p.logger.Debug("compacted", "up_to", upTo, "bytes", len(snapshot))
}
