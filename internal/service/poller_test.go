package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoBrokerHub/brokergate/internal/model"
	"github.com/GoBrokerHub/brokergate/internal/pkg/apperrors"
)

func TestStartIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.poller.Start(order.ID); err != nil {
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.poller.ActiveCount(); got != 1 {
		t.Fatalf("active tasks = %d, want 1", got)
	}
	env.poller.StopAll()
}

func TestTerminalStatusEndsPolling(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")

	env.adapter.statusFn = func() (model.OrderStatus, error) {
		return model.OrderComplete, nil
	}

	if err := env.poller.Start(order.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return !env.poller.IsPolling(order.ID) }) {
		t.Fatal("task did not retire after terminal status")
	}

	got, err := env.orders.GetByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != model.OrderComplete {
		t.Fatalf("status = %s, want COMPLETE", got.Status)
	}

	// No further adapter calls once terminal.
	calls, _ := env.adapter.calls()
	time.Sleep(50 * time.Millisecond)
	after, _ := env.adapter.calls()
	if after != calls {
		t.Fatalf("adapter called %d more times after terminal status", after-calls)
	}
}

func TestAuthExpiredIsNeverRetried(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")

	env.adapter.statusFn = func() (model.OrderStatus, error) {
		return "", apperrors.NewBrokerAPIError(string(model.BrokerZerodha), "order_status", apperrors.BrokerAuthExpired, "token rejected", nil)
	}

	if err := env.poller.Start(order.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return !env.poller.IsPolling(order.ID) }) {
		t.Fatal("task did not retire on auth expiry")
	}

	calls, _ := env.adapter.calls()
	if calls != 1 {
		t.Fatalf("adapter called %d times, want exactly 1 (no retry)", calls)
	}

	got, err := env.conns.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.IsAuthenticated {
		t.Fatal("connection still marked authenticated after broker rejected token")
	}

	// Order stays open; it is the connection that needs attention.
	o, _ := env.orders.GetByID(context.Background(), order.ID)
	if o.Status != model.OrderOpen {
		t.Fatalf("order status = %s, want OPEN", o.Status)
	}
}

func TestTransientFailuresBackOffThenFail(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")

	env.adapter.statusFn = func() (model.OrderStatus, error) {
		return "", apperrors.NewBrokerAPIError(string(model.BrokerZerodha), "order_status", apperrors.BrokerUnknown, "upstream 502", nil)
	}

	if err := env.poller.Start(order.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return !env.poller.IsPolling(order.ID) }) {
		t.Fatal("task did not retire after max attempts")
	}

	calls, _ := env.adapter.calls()
	if calls != env.poller.maxAttempts {
		t.Fatalf("adapter called %d times, want %d", calls, env.poller.maxAttempts)
	}

	got, _ := env.orders.GetByID(context.Background(), order.ID)
	if got.Status != model.OrderFailed {
		t.Fatalf("order status = %s, want FAILED", got.Status)
	}
}

func TestUnknownOrderIsNeverRetried(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")

	env.adapter.statusFn = func() (model.OrderStatus, error) {
		return "", apperrors.NewBrokerAPIError(string(model.BrokerZerodha), "order_status", apperrors.BrokerNotFound, "order id not recognized", nil)
	}

	if err := env.poller.Start(order.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return !env.poller.IsPolling(order.ID) }) {
		t.Fatal("task did not retire when the broker rejected the order id")
	}

	calls, _ := env.adapter.calls()
	if calls != 1 {
		t.Fatalf("adapter called %d times, want exactly 1 (no backoff retries)", calls)
	}

	got, _ := env.orders.GetByID(context.Background(), order.ID)
	if got.Status != model.OrderFailed {
		t.Fatalf("order status = %s, want FAILED", got.Status)
	}
}

func TestStopReturnsWithinDeadlineOnStuckCall(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")
	env.poller.shutdownTO = 50 * time.Millisecond

	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	env.adapter.statusFn = func() (model.OrderStatus, error) {
		once.Do(func() { close(started) })
		// Simulates an SDK call that ignores context cancellation.
		<-release
		return model.OrderOpen, nil
	}

	if err := env.poller.Start(order.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		env.poller.Stop(order.ID)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked past its deadline on a stuck broker call")
	}

	close(release)
	if !waitFor(t, time.Second, func() bool { return !env.poller.IsPolling(order.ID) }) {
		t.Fatal("task did not retire after the stuck call returned")
	}
}

func TestStopAllIsIdempotentAndBlocksStart(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	o1 := env.seedOrder(t, conn.ID, "o1")
	o2 := env.seedOrder(t, conn.ID, "o2")

	if err := env.poller.Start(o1.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.poller.Start(o2.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	env.poller.StopAll()
	if got := env.poller.ActiveCount(); got != 0 {
		t.Fatalf("active tasks after StopAll = %d, want 0", got)
	}

	// Second call: no error, no change.
	env.poller.StopAll()
	if got := env.poller.ActiveCount(); got != 0 {
		t.Fatalf("active tasks after second StopAll = %d, want 0", got)
	}

	err := env.poller.Start(o1.ID)
	if !apperrors.Is(err, apperrors.ErrSchedulerStopped) {
		t.Fatalf("Start after StopAll: got %v, want scheduler stopped", err)
	}

	env.poller.Reset()
	if err := env.poller.Start(o1.ID); err != nil {
		t.Fatalf("Start after Reset: %v", err)
	}
	env.poller.StopAll()
}

func TestStartPollingForOpenOrdersSkipsTerminal(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	open := env.seedOrder(t, conn.ID, "o-open")

	done := env.seedOrder(t, conn.ID, "o-done")
	if err := env.orders.UpdateStatus(context.Background(), done.ID, model.OrderComplete, time.Now()); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := env.poller.StartPollingForOpenOrders(context.Background()); err != nil {
		t.Fatalf("StartPollingForOpenOrders: %v", err)
	}

	if !env.poller.IsPolling(open.ID) {
		t.Fatal("open order not being polled")
	}
	if env.poller.IsPolling(done.ID) {
		t.Fatal("terminal order should not be polled")
	}
	env.poller.StopAll()
}

func TestStatusChangeIsPersisted(t *testing.T) {
	env := newTestEnv(t)
	conn := env.seedConnection(t, "u1")
	order := env.seedOrder(t, conn.ID, "o1")

	var mu sync.Mutex
	status := model.OrderOpen
	env.adapter.statusFn = func() (model.OrderStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		return status, nil
	}

	if err := env.poller.Start(order.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let a few OPEN polls happen, then flip to terminal.
	if !waitFor(t, time.Second, func() bool { s, _ := env.adapter.calls(); return s >= 2 }) {
		t.Fatal("polling never ran")
	}
	got, _ := env.orders.GetByID(context.Background(), order.ID)
	if got.LastPolledAt == nil {
		t.Fatal("last_polled_at not touched by successful poll")
	}

	mu.Lock()
	status = model.OrderRejected
	mu.Unlock()

	if !waitFor(t, time.Second, func() bool { return !env.poller.IsPolling(order.ID) }) {
		t.Fatal("task did not retire after rejection")
	}
	got, _ = env.orders.GetByID(context.Background(), order.ID)
	if got.Status != model.OrderRejected {
		t.Fatalf("status = %s, want REJECTED", got.Status)
	}
}
