package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/gardendex/pkg/app/core/events"
)

func TestEventWireRoundTrip(t *testing.T) {
	ev := events.Event{
		Type:    events.TradeExecuted,
		TradeID: "t1",
		Pair:    "TOKENA/SOL",
		Price:   0.001,
		Amount:  100,
		Data:    map[string]any{"poolId": "pool-solana-tokena"},
	}
	b, err := encodeEvent("peer-a", 7, ev)
	require.NoError(t, err)

	w, got, err := decodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", w.Origin)
	assert.Equal(t, uint64(7), w.Seq)
	assert.Equal(t, ev.TradeID, got.TradeID)
	assert.Equal(t, "pool-solana-tokena", got.Data["poolId"])

	_, _, err = decodeEvent([]byte("garbage"))
	assert.Error(t, err)
}

func TestGossipBetweenTwoNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two libp2p hosts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newNode := func() *EventGossip {
		g, err := NewEventGossip(ctx, Libp2pConfig{ListenAddr: "/ip4/127.0.0.1/tcp/0", Logger: zaptest.NewLogger(t).Sugar()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = g.Close() })
		return g
	}
	a, b := newNode(), newNode()
	require.NoError(t, b.Connect(ctx, a.Addrs()[0]))

	var mu sync.Mutex
	var got []events.Event
	b.OnRemote(func(origin string, ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})

	// The mesh forms after a heartbeat; keep publishing until one lands.
	require.Eventually(t, func() bool {
		a.Publish(events.Event{Type: events.PriceUpdate, Pair: "TOKENA/SOL", Price: 0.001})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 10*time.Second, 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.PriceUpdate, got[0].Type)
	assert.Equal(t, "TOKENA/SOL", got[0].Pair)
}
