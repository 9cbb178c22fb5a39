package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/agenterrors"
	"github.com/cuemby/portacode-agent/pkg/keypair"
	"github.com/cuemby/portacode-agent/pkg/types"
)

func testKeypair(t *testing.T) *keypair.Keypair {
	t.Helper()
	t.Setenv("PORTACODE_CONFIG_DIR", t.TempDir())
	kp, err := keypair.GetOrCreate()
	require.NoError(t, err)
	return kp
}

type recordingDispatcher struct {
	frames chan types.CommandFrame
}

func (d *recordingDispatcher) Dispatch(_ context.Context, frame types.CommandFrame, sender Sender) {
	d.frames <- frame
	_ = sender.Send(types.ResponseFrame{Event: "ack", RequestID: frame.RequestID})
}

func TestSupervisorAuthenticatesAndDispatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dispatcher := &recordingDispatcher{frames: make(chan types.CommandFrame, 1)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, pem, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, string(pem), "PUBLIC KEY")

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ok")))

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"ping","request_id":"r1"}`)))

		_, ack, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Contains(t, string(ack), `"event":"ack"`)
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	sup := New(Config{
		GatewayURL: wsURL,
		Keypair:    testKeypair(t),
		Dispatcher: dispatcher,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	select {
	case frame := <-dispatcher.frames:
		require.Equal(t, "ping", frame.Command)
		require.Equal(t, "r1", frame.RequestID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}

	cancel()
	require.NoError(t, <-errCh)
}

func TestSupervisorReturnsAuthRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("rejected: unknown device")))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	sup := New(Config{
		GatewayURL: wsURL,
		Keypair:    testKeypair(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	require.Error(t, err)

	var rejected *agenterrors.AuthRejected
	require.ErrorAs(t, err, &rejected)
}
