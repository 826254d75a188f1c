package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ErrWorkerClosed is returned by Do after Close.
var ErrWorkerClosed = errors.New("db worker closed")

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker serialises write transactions onto one goroutine so the control
// loop and the device API never contend for the sqlite write lock.
type Worker struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWorker starts the writer goroutine. queue bounds pending jobs; <= 0
// uses 64.
func NewWorker(db *sql.DB, queue int) *Worker {
	if queue <= 0 {
		queue = 64
	}
	w := &Worker{
		db:   db,
		jobs: make(chan job, queue),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Close drains queued jobs and stops the goroutine. Safe to call twice.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	<-w.done
}

// Do runs fn in a transaction on the writer goroutine and waits for the
// commit. If ctx ends first Do returns ctx.Err(); the queued job still runs.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkerClosed
	}
	select {
	case w.jobs <- job{ctx: ctx, fn: fn, ch: ch}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		j.ch <- w.run(j)
	}
}

func (w *Worker) run(j job) error {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
