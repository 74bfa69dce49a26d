package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/cloud/transport"
)

func TestSendRecvRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ch, err := transport.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send([]byte(`{"hello":"world"}`)))

	got, err := ch.Recv()
	require.NoError(t, err)
	require.Equal(t, `{"hello":"world"}`, string(got))
}

func TestErrIsStickyAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		conn.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ch, err := transport.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)

	_, err = ch.Recv()
	require.Error(t, err)
	require.Equal(t, err, ch.Err())
}
