package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/auctionhouse/go/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T) (*events.Broker, *ConnectionManager, *httptest.Server) {
	t.Helper()
	broker := events.NewBroker(16)
	cm := NewConnectionManager(broker, DefaultConnectionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = cm.Run(ctx) }()

	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return broker, cm, srv
}

func dial(t *testing.T, srv *httptest.Server, roundID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?round_id=" + roundID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return &ev
}

func TestGateway_PushesRoundEvents(t *testing.T) {
	broker, cm, srv := startGateway(t)
	watched, other := uuid.New(), uuid.New()
	conn := dial(t, srv, watched)

	require.Eventually(t, func() bool {
		return cm.GetConnectionStats().TotalConnections == 1
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	for _, roundID := range []uuid.UUID{other, watched} {
		ev, err := events.New(events.TypeBidPlaced, roundID, time.Now(), nil)
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, ev))
	}

	got := readEvent(t, conn)
	assert.Equal(t, watched, got.RoundID)
	assert.Equal(t, events.TypeBidPlaced, got.Type)
	assert.Equal(t, uint64(1), got.Version)
}

func TestGateway_RejectsMissingRound(t *testing.T) {
	_, _, srv := startGateway(t)

	for _, query := range []string{"", "?round_id=not-a-uuid"} {
		resp, err := http.Get(srv.URL + "/ws" + query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestGateway_UnregistersOnClose(t *testing.T) {
	_, cm, srv := startGateway(t)
	conn := dial(t, srv, uuid.New())

	require.Eventually(t, func() bool {
		return cm.GetConnectionStats().ActiveRounds == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return cm.GetConnectionStats().TotalConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventConsumer_DeliverDropsSeenVersions(t *testing.T) {
	broker := events.NewBroker(8)
	roundID := uuid.New()
	sub := broker.Subscribe(roundID)
	defer sub.Close()

	ec := &EventConsumer{broker: broker, versions: make(map[uuid.UUID]uint64)}
	ctx := context.Background()

	encode := func(version uint64) []byte {
		ev, err := events.New(events.TypeBidPlaced, roundID, time.Now(), nil)
		require.NoError(t, err)
		ev.Version = version
		data, err := json.Marshal(ev)
		require.NoError(t, err)
		return data
	}

	require.NoError(t, ec.Deliver(ctx, encode(1)))
	require.NoError(t, ec.Deliver(ctx, encode(1)))
	require.NoError(t, ec.Deliver(ctx, encode(2)))
	assert.Error(t, ec.Deliver(ctx, []byte(`{"event_type":"unknown"}`)))

	assert.Equal(t, uint64(1), (<-sub.C()).Version)
	assert.Equal(t, uint64(2), (<-sub.C()).Version)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s", ev.DedupeKey())
	default:
	}
}
