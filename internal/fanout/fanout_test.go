package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/schmeckm/OEE-Solution-sub000/internal/config"
	"github.com/schmeckm/OEE-Solution-sub000/internal/models"
)

func startHubServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		testClient := &client{conn: conn, send: make(chan envelope, clientSendBuffer)}

		hub.mu.Lock()
		hub.clients[testClient] = struct{}{}
		snapshot := make([]envelope, 0, len(hub.latestMicrostops))
		for _, ds := range hub.latestMicrostops {
			snapshot = append(snapshot, envelope{Type: MessageMicrostops, Data: ds})
		}
		hub.mu.Unlock()

		for _, env := range snapshot {
			testClient.send <- env
		}

		go hub.writePump(testClient)
		go hub.readPump(testClient)
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	return srv, wsURL
}

func TestBroadcastMicrostopsReachesConnectedClient(t *testing.T) {
	hub := NewHub(nil)
	srv, wsURL := startHubServer(t, hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.BroadcastMicrostops("m1", models.HourlyDataset{MachineID: "m1"})

	var got envelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, MessageMicrostops, got.Type)
}

func TestNewConnectionReplaysLatestMicrostopsSnapshot(t *testing.T) {
	hub := NewHub(nil)
	hub.BroadcastMicrostops("m1", models.HourlyDataset{MachineID: "m1"})

	srv, wsURL := startHubServer(t, hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got envelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, MessageMicrostops, got.Type)
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv, wsURL := startHubServer(t, hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTimeSeriesSinkNilWhenNotConfigured(t *testing.T) {
	sink := NewTimeSeriesSink(config.Sink{}, nil)
	require.Nil(t, sink)
}

func TestTimeSeriesSinkWritesLineProtocol(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewTimeSeriesSink(config.Sink{URL: srv.URL, Token: "tok", Org: "org", Bucket: "bucket", WriteTimeout: time.Second}, nil)
	require.NotNil(t, sink)

	err := sink.Write(context.Background(), models.OEEMetrics{MachineID: "m1", Plant: "p1", Area: "a1"})
	require.NoError(t, err)
	require.Contains(t, gotBody, "oee_metrics,plant=p1,area=a1,machineId=m1")
}
