package dex

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/gardendex/pkg/app/core/mempool"
	"github.com/uhyunpark/gardendex/pkg/app/core/order"
	"github.com/uhyunpark/gardendex/pkg/metrics"
	"github.com/uhyunpark/gardendex/pkg/util"
)

var ErrStopped = errors.New("order pipeline stopped")

type AppConfig struct {
	Workers             int
	BatchSize           int // max tasks taken from a shard per wake-up
	ExpirySweepInterval time.Duration
}

type taskKind int

const (
	taskOrder taskKind = iota
	taskCancel
	taskExpire
)

type task struct {
	kind    taskKind
	orderID string
	reply   chan taskResult // nil for fire-and-forget submissions
}

type taskResult struct {
	outcome *Outcome
	err     error
}

// App serializes work per pair: every order, cancel and expiry for a pair
// lands on the same shard and is processed by one goroutine.
type App struct {
	cfg    AppConfig
	proc   *Processor
	shards []*mempool.Mempool[*task]
	clock  util.Clock
	log    *zap.SugaredLogger
	done   chan struct{}
}

func NewApp(cfg AppConfig, proc *Processor, clock util.Clock, log *zap.SugaredLogger) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	shards := make([]*mempool.Mempool[*task], cfg.Workers)
	for i := range shards {
		shards[i] = mempool.New[*task]()
	}
	return &App{cfg: cfg, proc: proc, shards: shards, clock: clock, log: log, done: make(chan struct{})}
}

func (a *App) Processor() *Processor { return a.proc }

func (a *App) shardFor(pair string) *mempool.Mempool[*task] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pair))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

func (a *App) push(pair string, k mempool.Kind, t *task) {
	a.shardFor(pair).Push(k, t)
	metrics.IntakeDepth.Inc()
}

// Submit creates the order and waits for its processing outcome.
// If ctx ends first the order is still processed; only the wait is abandoned.
func (a *App) Submit(ctx context.Context, in order.Intent, userID, userEmail, gardenID string) (*Outcome, error) {
	o, err := a.proc.CreateOrder(in, userID, userEmail, gardenID)
	if err != nil {
		return nil, err
	}
	t := &task{kind: taskOrder, orderID: o.ID, reply: make(chan taskResult, 1)}
	a.push(o.Pair, mempool.KindOrder, t)
	return a.wait(ctx, t, o)
}

// SubmitAsync creates the order and queues it without waiting.
func (a *App) SubmitAsync(in order.Intent, userID, userEmail, gardenID string) (*order.Order, error) {
	o, err := a.proc.CreateOrder(in, userID, userEmail, gardenID)
	if err != nil {
		return nil, err
	}
	a.push(o.Pair, mempool.KindOrder, &task{kind: taskOrder, orderID: o.ID})
	return o, nil
}

// Restore reloads open orders and queues the ones that were never matched.
func (a *App) Restore(open []*order.Order) int {
	requeue := a.proc.Restore(open)
	for _, o := range requeue {
		a.push(o.Pair, mempool.KindOrder, &task{kind: taskOrder, orderID: o.ID})
	}
	return len(requeue)
}

// Cancel queues a cancel ahead of pending orders on the pair's shard and waits for it.
func (a *App) Cancel(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := a.proc.Order(orderID)
	if err != nil {
		return nil, err
	}
	t := &task{kind: taskCancel, orderID: orderID, reply: make(chan taskResult, 1)}
	a.push(o.Pair, mempool.KindCancel, t)
	out, err := a.wait(ctx, t, o)
	if out == nil {
		return nil, err
	}
	return out.Order, err
}

func (a *App) wait(ctx context.Context, t *task, o *order.Order) (*Outcome, error) {
	select {
	case r := <-t.reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return &Outcome{Order: o}, ctx.Err()
	case <-a.done:
		return &Outcome{Order: o}, ErrStopped
	}
}

// Run starts one worker per shard plus the expiry sweeper and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	defer close(a.done)

	g, ctx := errgroup.WithContext(ctx)
	for i, q := range a.shards {
		g.Go(func() error {
			a.work(ctx, i, q)
			return nil
		})
	}
	if a.cfg.ExpirySweepInterval > 0 {
		g.Go(func() error {
			a.sweepLoop(ctx)
			return nil
		})
	}

	a.log.Infow("dex_app_started", "workers", len(a.shards), "sweep_interval", a.cfg.ExpirySweepInterval)
	err := g.Wait()
	a.log.Infow("dex_app_stopped")
	return err
}

func (a *App) work(ctx context.Context, id int, q *mempool.Mempool[*task]) {
	// In-flight trades finish their settlement even while shutting down.
	procCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			if n := q.Len(); n > 0 {
				a.log.Warnw("shard_abandoned_tasks", "shard", id, "count", n)
			}
			return
		case <-q.Ready():
			for {
				batch := q.Select(a.cfg.BatchSize)
				if len(batch) == 0 {
					break
				}
				metrics.IntakeDepth.Sub(float64(len(batch)))
				for _, t := range batch {
					a.handle(procCtx, t)
				}
			}
		}
	}
}

func (a *App) handle(ctx context.Context, t *task) {
	var r taskResult
	switch t.kind {
	case taskOrder:
		o, err := a.proc.Order(t.orderID)
		if err != nil {
			r.err = err
			break
		}
		r.outcome, r.err = a.proc.ProcessOrder(ctx, o)
	case taskCancel:
		o, err := a.proc.CancelOrder(t.orderID)
		r.outcome, r.err = &Outcome{Order: o}, err
	case taskExpire:
		o, err := a.proc.cancelWithReason(t.orderID, ReasonExpired)
		r.outcome, r.err = &Outcome{Order: o}, err
	}
	if r.err != nil {
		a.log.Debugw("task_failed", "order_id", t.orderID, "kind", t.kind, "err", r.err)
	}
	if t.reply != nil {
		t.reply <- r
	}
}

func (a *App) sweepLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-a.clock.After(a.cfg.ExpirySweepInterval):
			a.Sweep(now)
		}
	}
}

// Sweep routes every expired LIMIT order to its shard for cancellation.
func (a *App) Sweep(now time.Time) int {
	ids := a.proc.orders.ExpiredOpen(now)
	for _, id := range ids {
		o, err := a.proc.Order(id)
		if err != nil {
			continue
		}
		a.push(o.Pair, mempool.KindControl, &task{kind: taskExpire, orderID: id})
	}
	if len(ids) > 0 {
		a.log.Infow("expiry_sweep", "queued", len(ids))
	}
	return len(ids)
}

// QueueDepth returns tasks waiting across all shards.
func (a *App) QueueDepth() int {
	n := 0
	for _, q := range a.shards {
		n += q.Len()
	}
	return n
}
