package emitter

import (
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		wei  string
		want string
	}{
		{"0", "0"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"1", "0.000000000000000001"},
		{"2500000000000000", "0.0025"},
		{"-1500000000000000000", "-1.5"},
	}
	for _, tc := range cases {
		wei, ok := new(big.Int).SetString(tc.wei, 10)
		require.True(t, ok)
		require.Equal(t, tc.want, FormatUnits(wei), "wei=%s", tc.wei)
	}
	require.Equal(t, "0", FormatUnits(nil))
}

func TestEnvelopeShape(t *testing.T) {
	data, err := encodeEnvelope(EventDepositDetected, Deposit{
		WalletAddress: "0xaa",
		Amount:        "1000",
		ChainID:       8453,
		Type:          "deposit",
	})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, EventDepositDetected, env.Event)
	require.NotZero(t, env.Timestamp)

	var payload Deposit
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, "0xaa", payload.WalletAddress)
	require.Equal(t, uint64(8453), payload.ChainID)
}

// hub tests drive the room/strike logic directly; the pumps are not
// started, so the send channels act as the observable output.

func newHubClient(h *Hub, userID string, buffer int) *wsClient {
	c := &wsClient{
		id:     int64(len(h.clients) + 1),
		userID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	room := h.byUser[userID]
	if room == nil {
		room = make(map[*wsClient]struct{})
		h.byUser[userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func testHub() *Hub {
	return NewHub(zerolog.Nop(), func(*http.Request) (string, error) { return "", nil })
}

func TestHubEmitToUserTargetsRoom(t *testing.T) {
	h := testHub()
	alice1 := newHubClient(h, "alice", 8)
	alice2 := newHubClient(h, "alice", 8)
	bob := newHubClient(h, "bob", 8)

	h.EmitToUser("alice", EventBalanceUpdate, BalanceUpdate{WalletAddress: "0xaa"})

	require.Len(t, alice1.send, 1)
	require.Len(t, alice2.send, 1)
	require.Empty(t, bob.send)
}

func TestHubBroadcastReachesAll(t *testing.T) {
	h := testHub()
	alice := newHubClient(h, "alice", 8)
	bob := newHubClient(h, "bob", 8)

	h.Broadcast(EventDepositDetected, Deposit{WalletAddress: "0xaa"})

	require.Len(t, alice.send, 1)
	require.Len(t, bob.send, 1)
	require.Equal(t, 2, h.ConnectionCount())
}

func TestHubSlowClientDisconnectedAfterStrikes(t *testing.T) {
	h := testHub()
	slow := newHubClient(h, "alice", 1)

	// First send fills the buffer; the next three are dropped strikes.
	for i := 0; i < 4; i++ {
		h.EmitToUser("alice", EventBalanceUpdate, BalanceUpdate{})
	}

	require.Zero(t, h.ConnectionCount(), "slow client removed")
	select {
	case <-slow.done:
	default:
		t.Fatal("slow client not marked dead")
	}
	// Further emits to a dead client are silent drops.
	h.offer(slow, []byte("late"))
	require.Len(t, slow.send, 1, "only the original buffered message remains")
}

func TestHubEmitDuringDisconnect(t *testing.T) {
	h := testHub()
	c := newHubClient(h, "alice", 1)

	// Emitters hold a snapshot of the room while the read side tears
	// the client down; the races must end in dropped messages, never a
	// send on a dead client blowing up the process.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.EmitToUser("alice", EventBalanceUpdate, BalanceUpdate{})
			h.Broadcast(EventDepositDetected, Deposit{})
		}
	}()

	c.close()
	h.remove(c)
	wg.Wait()
	require.Zero(t, h.ConnectionCount())
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	h1 := testHub()
	h2 := testHub()
	a := newHubClient(h1, "alice", 8)
	b := newHubClient(h2, "alice", 8)

	f := Fanout{h1, h2}
	f.EmitToUser("alice", EventBalanceUpdate, BalanceUpdate{})
	require.Len(t, a.send, 1)
	require.Len(t, b.send, 1)

	// Noop satisfies the interface and drops everything.
	Fanout{Noop{}}.Broadcast(EventDepositDetected, nil)
}
