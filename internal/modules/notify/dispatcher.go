// README: Bounded worker pool that formats events and hands them to a delivery.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rideflow/internal/types"
)

type Options struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

type job struct {
	userID types.ID
	msg    Message
}

// Dispatcher never blocks Emit: a full queue drops the message.
type Dispatcher struct {
	delivery Delivery
	opts     Options
	queue    chan job
	log      *zap.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started sync.Once
}

func NewDispatcher(delivery Delivery, opts Options, log *zap.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		delivery: delivery,
		opts:     opts,
		queue:    make(chan job, opts.QueueSize),
		log:      log.Named("notify"),
	}
}

// Start launches the workers. They exit once Close drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.started.Do(func() {
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

func (d *Dispatcher) Emit(ev Event) {
	msg := Format(ev)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, userID := range ev.Recipients {
		if userID == "" {
			continue
		}
		select {
		case d.queue <- job{userID: userID, msg: msg}:
		default:
			d.log.Warn("notification dropped, queue full",
				zap.String("user_id", userID.String()),
				zap.String("type", msg.Type),
				zap.String("booking_id", msg.Data["booking_id"]),
			)
		}
	}
}

// Close stops accepting events and waits for queued ones to be attempted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(ctx, j)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification delivery panicked", zap.Any("panic", r), zap.String("user_id", j.userID.String()))
		}
	}()
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.SendTimeout)
	defer cancel()
	if err := d.delivery.Send(sendCtx, j.userID, j.msg); err != nil {
		d.log.Warn("notification delivery failed",
			zap.String("user_id", j.userID.String()),
			zap.String("type", j.msg.Type),
			zap.String("booking_id", j.msg.Data["booking_id"]),
			zap.Error(err),
		)
		return
	}
	d.log.Debug("notification delivered",
		zap.String("user_id", j.userID.String()),
		zap.String("type", j.msg.Type),
	)
}
