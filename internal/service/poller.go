package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
	"github.com/GoBrokerHub/brokergate/internal/pkg/logger"
	"github.com/GoBrokerHub/brokergate/internal/pkg/metrics"
	"github.com/GoBrokerHub/brokergate/internal/repository"
)

// Poller runs one goroutine per tracked open order, asking the broker for
// the order's status on a fixed interval. Guarantees:
//
//   - at most one task per order id, across all users and connections
//   - consecutive failures back off exponentially up to a cap, and the
//     task retires after a bounded number of attempts
//   - a broker auth rejection is never retried: the connection is marked
//     unauthenticated and the task retires immediately
//   - an order the broker does not recognize is never retried either: the
//     order is marked FAILED and the task retires immediately
//   - StopAll is idempotent and bounded; Reset re-arms a stopped poller
type Poller struct {
	orders OrderStore
	conns  *ConnectionService
	audit  *AuditService

	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	maxAttempts int
	shutdownTO  time.Duration

	mu      sync.Mutex
	tasks   map[string]*pollTask
	stopped bool
}

type pollTask struct {
	orderID string
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPoller(orders OrderStore, conns *ConnectionService, audit *AuditService, cfg *config.Config) *Poller {
	p := &Poller{
		orders:      orders,
		conns:       conns,
		audit:       audit,
		interval:    cfg.Poller.Interval(),
		backoffBase: cfg.Poller.BackoffBase(),
		backoffMax:  cfg.Poller.BackoffMax(),
		maxAttempts: cfg.Poller.MaxAttempts,
		shutdownTO:  cfg.Poller.ShutdownTimeout(),
		tasks:       make(map[string]*pollTask),
	}
	if p.interval <= 0 {
		p.interval = 15 * time.Second
	}
	if p.backoffBase <= 0 {
		p.backoffBase = 2 * time.Second
	}
	if p.backoffMax < p.backoffBase {
		p.backoffMax = 60 * time.Second
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 5
	}
	if p.shutdownTO <= 0 {
		p.shutdownTO = 10 * time.Second
	}
	return p
}

// Start launches a polling task for the order. Starting an order that is
// already being polled is a no-op.
func (p *Poller) Start(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return apperrors.New(apperrors.ErrSchedulerStopped, "polling scheduler is stopped", nil)
	}
	if _, exists := p.tasks[orderID]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &pollTask{orderID: orderID, cancel: cancel, done: make(chan struct{})}
	p.tasks[orderID] = task
	metrics.ActivePollTasks.Inc()

	go p.run(ctx, task)
	return nil
}

// Stop cancels the order's task, if any, and waits up to the shutdown
// timeout for it to exit. A poll stuck in a broker SDK call that ignores
// cancellation must not pin the caller past the deadline.
func (p *Poller) Stop(orderID string) {
	p.mu.Lock()
	task, ok := p.tasks[orderID]
	p.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	select {
	case <-task.done:
	case <-time.After(p.shutdownTO):
		logger.Warn("timeout waiting for poll task to stop", "order_id", orderID)
	}
}

// StopAll cancels every task and waits up to the shutdown timeout for
// them to exit. After StopAll, Start refuses new tasks until Reset.
// Calling it on an already stopped poller is a no-op.
func (p *Poller) StopAll() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	running := make([]*pollTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		running = append(running, t)
		t.cancel()
	}
	p.mu.Unlock()

	deadline := time.NewTimer(p.shutdownTO)
	defer deadline.Stop()
	for _, t := range running {
		select {
		case <-t.done:
		case <-deadline.C:
			logger.Warn("shutdown timeout waiting for poll tasks", "remaining", len(running))
			return
		}
	}
	logger.Info("all poll tasks stopped", "count", len(running))
}

// Reset re-arms a stopped poller.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
}

// ActiveCount reports the number of running tasks.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// IsPolling reports whether the order currently has a task.
func (p *Poller) IsPolling(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[orderID]
	return ok
}

// Stopped reports whether StopAll has been called without a Reset since.
func (p *Poller) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// StartPollingForOpenOrders seeds tasks for every non-terminal order.
// Called once at boot, before the HTTP listener comes up.
func (p *Poller) StartPollingForOpenOrders(ctx context.Context) error {
	open, err := p.orders.ListOpen(ctx)
	if err != nil {
		return apperrors.New(apperrors.ErrPersistence, "list open orders", err)
	}
	for _, o := range open {
		if err := p.Start(o.ID); err != nil {
			return err
		}
	}
	logger.Info("polling seeded from open orders", "count", len(open))
	return nil
}

// retire removes the task from the table and records why it ended.
func (p *Poller) retire(task *pollTask, state string) {
	p.mu.Lock()
	delete(p.tasks, task.orderID)
	p.mu.Unlock()

	metrics.ActivePollTasks.Dec()
	metrics.PollTasksEnded.WithLabelValues(state).Inc()
	p.audit.Event(model.AuditTaskRetired, "", "", task.orderID, map[string]interface{}{
		"state": state,
	})
	logger.Info("poll task retired", "order_id", task.orderID, "state", state)
}

func (p *Poller) run(ctx context.Context, task *pollTask) {
	defer close(task.done)

	failures := 0
	delay := p.interval

	for {
		select {
		case <-ctx.Done():
			p.retire(task, "cancelled")
			return
		case <-time.After(delay):
		}

		outcome := p.pollOnce(ctx, task.orderID)
		switch outcome {
		case pollOK:
			failures = 0
			delay = p.interval
		case pollTerminal:
			p.retire(task, "terminal")
			return
		case pollAuthExpired:
			p.retire(task, "auth_expired")
			return
		case pollNotFound:
			p.retire(task, "not_found")
			return
		case pollGone:
			p.retire(task, "gone")
			return
		case pollFailed:
			failures++
			if failures >= p.maxAttempts {
				now := time.Now().UTC()
				if err := p.orders.UpdateStatus(context.Background(), task.orderID, model.OrderFailed, now); err != nil {
					logger.Error("failed to mark order failed", "order_id", task.orderID, "error", err)
				}
				p.retire(task, "failed")
				return
			}
			delay = p.backoff(failures)
		}
	}
}

type pollOutcome int

const (
	pollOK pollOutcome = iota
	pollTerminal
	pollAuthExpired
	pollNotFound
	pollGone
	pollFailed
)

// pollOnce performs one status fetch and applies the result.
func (p *Poller) pollOnce(ctx context.Context, orderID string) pollOutcome {
	order, err := p.orders.GetByID(ctx, orderID)
	if err != nil {
		// The order was removed underneath us; nothing left to poll.
		return pollGone
	}
	if order.Status.IsTerminal() {
		return pollTerminal
	}

	conn, err := p.conns.conns.GetByID(ctx, order.ConnectionID)
	if err != nil {
		return pollGone
	}
	brokerName := string(conn.Broker)

	adapter, err := p.conns.registry.Resolve(conn.Broker)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(brokerName, "error").Inc()
		return pollFailed
	}
	creds, err := p.conns.CredentialsFor(conn)
	if err != nil {
		metrics.PollsTotal.WithLabelValues(brokerName, "error").Inc()
		p.auditPollFailure(conn, order, err)
		return pollFailed
	}

	status, err := adapter.OrderStatus(ctx, creds, order.BrokerOrderID)
	now := time.Now().UTC()
	if err != nil {
		switch apperrors.BrokerKind(err) {
		case apperrors.BrokerAuthExpired:
			metrics.PollsTotal.WithLabelValues(brokerName, "auth_expired").Inc()
			p.conns.MarkUnauthenticated(context.Background(), conn.ID)
			p.auditPollFailure(conn, order, err)
			return pollAuthExpired
		case apperrors.BrokerNotFound:
			// The broker does not know the order; retrying cannot
			// change that. Mark it failed and stop polling.
			metrics.PollsTotal.WithLabelValues(brokerName, "not_found").Inc()
			p.auditPollFailure(conn, order, err)
			if uerr := p.orders.UpdateStatus(context.Background(), order.ID, model.OrderFailed, now); uerr != nil {
				logger.Error("failed to mark order failed", "order_id", order.ID, "error", uerr)
			}
			return pollNotFound
		default:
			metrics.PollsTotal.WithLabelValues(brokerName, "error").Inc()
			p.auditPollFailure(conn, order, err)
			return pollFailed
		}
	}

	metrics.PollsTotal.WithLabelValues(brokerName, "ok").Inc()

	if status == order.Status {
		_ = p.orders.TouchPolled(ctx, orderID, now)
		return pollOK
	}
	if err := p.orders.UpdateStatus(ctx, orderID, status, now); err != nil {
		// A stream push can land a terminal status between our fetch
		// and this write; the stale poll result loses.
		if errors.Is(err, repository.ErrOrderTerminal) {
			return pollTerminal
		}
		logger.Error("order status update failed", "order_id", orderID, "error", err)
		return pollFailed
	}
	logger.Info("order status changed", "order_id", orderID, "from", order.Status, "to", status)
	if status.IsTerminal() {
		return pollTerminal
	}
	return pollOK
}

// backoff returns the delay before retry n (1-based), doubling from the
// base and capped at the max.
func (p *Poller) backoff(n int) time.Duration {
	d := p.backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.backoffMax {
			return p.backoffMax
		}
	}
	if d > p.backoffMax {
		return p.backoffMax
	}
	return d
}

func (p *Poller) auditPollFailure(conn *model.BrokerConnection, order *model.Order, err error) {
	p.audit.Event(model.AuditPollFailed, conn.UserID, conn.ID, order.ID, map[string]interface{}{
		"broker": string(conn.Broker),
		"error":  err.Error(),
	})
}
