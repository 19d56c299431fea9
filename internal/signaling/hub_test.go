package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"voice-gateway/internal/cache"
	"voice-gateway/internal/calls"
)

func newHubServer(t *testing.T) (*Hub, *Relay, *calls.Registry, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := calls.NewRegistry(calls.NewMemoryStore(), cache.NewMemoryCache(), calls.RegistryConfig{}, log)
	hub := NewHub(HubConfig{}, log)
	relay := NewRelay(reg, nil, hub, log)
	hub.Bind(relay)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "")
	}))
	t.Cleanup(srv.Close)
	return hub, relay, reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg message
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestHub_RelaysBetweenSockets(t *testing.T) {
	_, relay, reg, url := newHubServer(t)
	ctx := context.Background()

	call, err := reg.Create(ctx, calls.Draft{PhoneNumber: "+15550001", Direction: calls.DirectionOutgoing})
	require.NoError(t, err)

	a := dial(t, url)
	require.NoError(t, a.WriteJSON(message{Type: EventJoinCall, CallID: call.ID}))
	joinedA := readMessage(t, a)
	require.Equal(t, EventCallJoined, joinedA.Type)
	var ackA Joined
	require.NoError(t, json.Unmarshal(joinedA.Payload, &ackA))
	require.Empty(t, ackA.Participants)

	b := dial(t, url)
	require.NoError(t, b.WriteJSON(message{Type: EventJoinCall, CallID: call.ID}))
	joinedB := readMessage(t, b)
	var ackB Joined
	require.NoError(t, json.Unmarshal(joinedB.Payload, &ackB))
	require.Equal(t, []string{ackA.ConnectionID}, ackB.Participants)

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	require.NoError(t, a.WriteJSON(message{Type: EventOffer, CallID: call.ID, Payload: offer}))

	got := readMessage(t, b)
	require.Equal(t, EventOffer, got.Type)
	var relayed Relayed
	require.NoError(t, json.Unmarshal(got.Payload, &relayed))
	require.Equal(t, ackA.ConnectionID, relayed.From)
	require.JSONEq(t, string(offer), string(relayed.Payload))

	require.NoError(t, a.Close())
	left := readMessage(t, b)
	require.Equal(t, EventParticipantLeft, left.Type)

	require.Eventually(t, func() bool {
		return len(relay.Members(call.ID)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ReportsErrorsToSender(t *testing.T) {
	_, _, _, url := newHubServer(t)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(message{Type: EventJoinCall, CallID: "missing"}))
	msg := readMessage(t, ws)
	require.Equal(t, EventError, msg.Type)
	var e errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	require.Equal(t, "not_found", e.Code)

	require.NoError(t, ws.WriteJSON(message{Type: "dance"}))
	msg = readMessage(t, ws)
	require.NoError(t, json.Unmarshal(msg.Payload, &e))
	require.Equal(t, "unsupported", e.Code)
}

func TestHub_SendToUnknownConnection(t *testing.T) {
	hub := NewHub(HubConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := hub.Send("nobody", EventCallJoined, Joined{})
	require.ErrorIs(t, err, ErrUnknownConnection)
	require.NoError(t, hub.BroadcastToGroup("empty", EventOffer, Relayed{}))
}

func TestHub_CheckOrigin(t *testing.T) {
	hub := NewHub(HubConfig{AllowedOrigins: []string{"https://app.example.com"}}, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/signaling/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	require.True(t, hub.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	require.False(t, hub.checkOrigin(r))
}
