package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/model"
	"chatrelay/internal/registry"
	"chatrelay/internal/store"
)

// ErrClosed is returned once the committer loop has stopped.
var ErrClosed = errors.New("relay closed")

// DegradedThreshold is the number of consecutive storage failures after
// which the relay reports itself degraded.
const DegradedThreshold = 3

// Options tunes a Relay.
type Options struct {
	HistoryLimit  int
	QueueSize     int
	CommitTimeout time.Duration
}

// Relay is the single path by which messages enter the system. A single
// committer goroutine (Run) appends queued drafts to the store and
// broadcasts each persisted message, so queue order is commit order and
// broadcast order.
type Relay struct {
	store    store.Store
	registry *registry.Registry
	opts     Options
	log      zerolog.Logger

	jobs chan job
	done chan struct{}

	// stopping is closed before the final drain. enqueueMu is held for
	// reading by every enqueue, so taking it for writing waits out
	// in-flight sends.
	stopping  chan struct{}
	enqueueMu sync.RWMutex

	// mu spans append+broadcast and history replay so a snapshot never
	// overlaps or misses a broadcast.
	mu sync.Mutex

	failures atomic.Int64
}

type job struct {
	draft  model.Draft
	result chan result // nil for fire-and-forget submissions
	connID string
}

type result struct {
	msg model.Message
	err error
}

// New wires a Relay. Call Run to start committing.
func New(st store.Store, reg *registry.Registry, opts Options, log zerolog.Logger) *Relay {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = 10 * time.Second
	}
	return &Relay{
		store:    st,
		registry: reg,
		opts:     opts,
		log:      log.With().Str("component", "relay").Logger(),
		jobs:     make(chan job, opts.QueueSize),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
	}
}

// Run commits queued submissions until ctx is cancelled. Submissions still
// queued at that point fail with ErrClosed.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)

	r.log.Info().Int("history_limit", r.opts.HistoryLimit).Msg("committer started")
	for {
		select {
		case <-ctx.Done():
			close(r.stopping)
			r.enqueueMu.Lock()
			r.drain()
			r.enqueueMu.Unlock()
			r.log.Info().Msg("committer stopped")
			return
		case j := <-r.jobs:
			r.commit(ctx, j)
		}
	}
}

func (r *Relay) drain() {
	for {
		select {
		case j := <-r.jobs:
			if j.result != nil {
				j.result <- result{err: ErrClosed}
			} else {
				r.log.Warn().Str("conn_id", j.connID).Msg("dropping queued message on shutdown")
			}
		default:
			return
		}
	}
}

func (r *Relay) commit(ctx context.Context, j job) {
	// 実行中の書き込みはシャットダウンでも中断しない
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CommitTimeout)
	defer cancel()

	r.mu.Lock()
	msg, err := r.store.Append(cctx, j.draft.Sender, j.draft.Content)
	if err == nil {
		r.broadcast(msg)
	}
	r.mu.Unlock()

	if err != nil {
		r.recordFailure(err)
		if j.result == nil {
			r.log.Error().Err(err).Str("conn_id", j.connID).Str("sender", j.draft.Sender).Msg("failed to persist message")
		}
	} else {
		r.recordSuccess()
		r.log.Debug().Str("id", msg.ID).Str("sender", msg.Sender).Msg("message committed")
	}

	if j.result != nil {
		j.result <- result{msg: msg, err: err}
	}
}

func (r *Relay) broadcast(msg model.Message) {
	frame, err := model.NewMessageFrame(msg)
	if err != nil {
		r.log.Error().Err(err).Str("id", msg.ID).Msg("failed to encode newMessage")
		return
	}
	r.registry.BroadcastAll(frame)
}

func (r *Relay) recordFailure(err error) {
	if !store.IsStorageError(err) {
		return
	}
	if n := r.failures.Add(1); n == DegradedThreshold {
		r.log.Warn().Err(err).Int64("consecutive_failures", n).Msg("store degraded")
	}
}

func (r *Relay) recordSuccess() {
	if prev := r.failures.Swap(0); prev >= DegradedThreshold {
		r.log.Info().Int64("consecutive_failures", prev).Msg("store recovered")
	}
}

// Degraded reports whether the last DegradedThreshold appends all failed
// with a storage error.
func (r *Relay) Degraded() bool {
	return r.failures.Load() >= DegradedThreshold
}

// Submit validates, persists and broadcasts one message and waits for the
// result. Validation failures return *model.ValidationError without
// touching the store; storage failures return *store.StorageError and
// nothing is broadcast. Once queued, a message is committed even if ctx is
// cancelled while waiting.
func (r *Relay) Submit(ctx context.Context, sender, content string) (model.Message, error) {
	d := model.Draft{Sender: sender, Content: content}
	if err := model.Validate(d); err != nil {
		return model.Message{}, err
	}

	j := job{draft: d, result: make(chan result, 1)}
	if err := r.enqueue(ctx, j); err != nil {
		return model.Message{}, err
	}

	select {
	case res := <-j.result:
		return res.msg, res.err
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	case <-r.done:
		select {
		case res := <-j.result:
			return res.msg, res.err
		default:
			return model.Message{}, ErrClosed
		}
	}
}

// Enqueue queues a message from connID without waiting for it to commit.
// Commit failures are logged. Validation failures are returned at once.
func (r *Relay) Enqueue(ctx context.Context, connID, sender, content string) error {
	d := model.Draft{Sender: sender, Content: content}
	if err := model.Validate(d); err != nil {
		return err
	}
	return r.enqueue(ctx, job{draft: d, connID: connID})
}

func (r *Relay) enqueue(ctx context.Context, j job) error {
	r.enqueueMu.RLock()
	defer r.enqueueMu.RUnlock()

	select {
	case <-r.stopping:
		return ErrClosed
	default:
	}

	select {
	case r.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopping:
		return ErrClosed
	}
}

// Attach registers a new Connection and queues the messageHistory snapshot
// as its first frame. Messages committed afterwards reach it through the
// normal broadcast only.
func (r *Relay) Attach(ctx context.Context) (*registry.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	history, err := r.store.ListRecent(ctx, r.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}
	frame, err := model.HistoryFrame(history)
	if err != nil {
		return nil, err
	}

	c := r.registry.Attach()
	if err := r.registry.SendTo(c, frame); err != nil {
		return nil, err
	}

	r.log.Debug().Str("conn_id", c.ID).Int("history", len(history)).Msg("history replayed")
	return c, nil
}

// Detach removes c from the broadcast set.
func (r *Relay) Detach(c *registry.Connection) {
	r.registry.Detach(c)
}

// ListAll returns every persisted message in the given order.
func (r *Relay) ListAll(ctx context.Context, order store.Order) ([]model.Message, error) {
	return r.store.ListAll(ctx, order)
}

// Connections returns the number of attached Connections.
func (r *Relay) Connections() int {
	return r.registry.Len()
}
