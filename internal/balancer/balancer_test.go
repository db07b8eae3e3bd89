package balancer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/fresco/internal/comfy"
)

// queueBackend serves /queue with a fixed load
func queueBackend(t *testing.T, running, pending int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue" {
			http.NotFound(w, r)
			return
		}
		entry := json.RawMessage(`{}`)
		queue := comfy.QueueState{}
		for i := 0; i < running; i++ {
			queue.Running = append(queue.Running, entry)
		}
		for i := 0; i < pending; i++ {
			queue.Pending = append(queue.Pending, entry)
		}
		json.NewEncoder(w).Encode(queue)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestBalancer(addresses []string) *Balancer {
	return New(addresses, func(address string) *comfy.Client {
		return comfy.NewClient(address, "test", time.Second)
	}, time.Second, 0)
}

func TestPick_LeastLoaded(t *testing.T) {
	busy := queueBackend(t, 2, 3)
	idle := queueBackend(t, 0, 0)
	b := newTestBalancer([]string{busy.URL, idle.URL})

	addr, err := b.Pick(context.Background(), StrategyLeastLoaded)
	require.NoError(t, err)
	assert.Equal(t, idle.URL, addr)
}

func TestPick_LeastLoadedTieBreaksByInsertionOrder(t *testing.T) {
	first := queueBackend(t, 1, 0)
	second := queueBackend(t, 1, 0)
	b := newTestBalancer([]string{first.URL, second.URL})

	addr, err := b.Pick(context.Background(), StrategyLeastLoaded)
	require.NoError(t, err)
	assert.Equal(t, first.URL, addr)
}

func TestPick_RoundRobinCycles(t *testing.T) {
	one := queueBackend(t, 0, 0)
	two := queueBackend(t, 0, 0)
	b := newTestBalancer([]string{one.URL, two.URL})

	var picks []string
	for i := 0; i < 4; i++ {
		addr, err := b.Pick(context.Background(), StrategyRoundRobin)
		require.NoError(t, err)
		picks = append(picks, addr)
	}
	assert.Equal(t, []string{one.URL, two.URL, one.URL, two.URL}, picks)
}

func TestPick_SkipsOfflineBackends(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // refuse connections
	alive := queueBackend(t, 5, 5)
	b := newTestBalancer([]string{dead.URL, alive.URL})

	addr, err := b.Pick(context.Background(), StrategyLeastLoaded)
	require.NoError(t, err)
	assert.Equal(t, alive.URL, addr)

	snapshots := b.Snapshots()
	require.Len(t, snapshots, 2)
	assert.False(t, snapshots[0].Online)
	assert.NotEmpty(t, snapshots[0].LastError)
	assert.True(t, snapshots[1].Online)
	assert.Equal(t, 10, snapshots[1].TotalLoad)
}

func TestPick_NoBackendAvailable(t *testing.T) {
	b := newTestBalancer(nil)
	_, err := b.Pick(context.Background(), StrategyLeastLoaded)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()
	b = newTestBalancer([]string{dead.URL})
	_, err = b.Pick(context.Background(), StrategyLeastLoaded)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestRegister_IgnoresDuplicates(t *testing.T) {
	b := newTestBalancer([]string{"a:1", "a:1", "b:2"})
	assert.Len(t, b.Snapshots(), 2)
}

func TestRemove(t *testing.T) {
	b := newTestBalancer([]string{"a:1", "b:2"})

	assert.True(t, b.Remove("a:1"))
	assert.False(t, b.Remove("a:1"), "second removal is a no-op")

	snapshots := b.Snapshots()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "b:2", snapshots[0].Address)
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyRoundRobin, ParseStrategy("round_robin"))
	assert.Equal(t, StrategyRandom, ParseStrategy("random"))
	assert.Equal(t, StrategyLeastLoaded, ParseStrategy("least_loaded"))
	assert.Equal(t, StrategyLeastLoaded, ParseStrategy(""))
	assert.Equal(t, StrategyLeastLoaded, ParseStrategy("bogus"))
}
