package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GoBrokerHub/brokergate/internal/config"
	"github.com/GoBrokerHub/brokergate/internal/model"
)

func newManager(qps float64, burst int) *SessionManager {
	cfg := &config.Config{}
	cfg.Brokers.QPS = qps
	cfg.Brokers.Burst = burst
	return NewSessionManager(cfg)
}

func TestKiteClientIsCachedPerToken(t *testing.T) {
	m := newManager(100, 100)

	c1 := m.KiteClient("key-1", "token-a")
	c2 := m.KiteClient("key-1", "token-a")
	assert.Same(t, c1, c2, "same key+token must reuse the cached client")

	c3 := m.KiteClient("key-1", "token-b")
	assert.NotSame(t, c1, c3, "token rotation must rebuild the client")

	c4 := m.KiteClient("key-2", "token-a")
	assert.NotSame(t, c1, c4, "different API keys get different clients")
}

func TestAlpacaClientIsCachedPerSecret(t *testing.T) {
	m := newManager(100, 100)

	c1 := m.AlpacaClient("key-1", "sec-a", "")
	c2 := m.AlpacaClient("key-1", "sec-a", "")
	assert.Same(t, c1, c2)

	c3 := m.AlpacaClient("key-1", "sec-b", "")
	assert.NotSame(t, c1, c3)
}

func TestEvictDropsCachedClients(t *testing.T) {
	m := newManager(100, 100)

	c1 := m.KiteClient("key-1", "token-a")
	a1 := m.AlpacaClient("key-1", "sec-a", "")
	m.Evict("key-1")

	assert.NotSame(t, c1, m.KiteClient("key-1", "token-a"))
	assert.NotSame(t, a1, m.AlpacaClient("key-1", "sec-a", ""))
}

func TestWaitHonoursContextCancel(t *testing.T) {
	// Burst 1 at a tiny rate: the second Wait would block for seconds.
	m := newManager(0.001, 1)

	assert.NoError(t, m.Wait(context.Background(), model.BrokerZerodha))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Wait(ctx, model.BrokerZerodha))
}

func TestWaitUnknownBrokerIsNoop(t *testing.T) {
	m := newManager(0.001, 1)
	assert.NoError(t, m.Wait(context.Background(), model.Broker("robinhood")))
}
