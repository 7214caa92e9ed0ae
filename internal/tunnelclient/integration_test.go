package tunnelclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/laptoprelay/internal/obslog"
)

type echoDispatcher struct{}

func (echoDispatcher) Handle(_ context.Context, req *Request) (*Response, error) {
	return &Response{StatusCode: http.StatusOK, Body: json.RawMessage(`{"sessions":[]}`)}, nil
}

func TestClientAnswersRelayedHTTPRequest(t *testing.T) {
	done := make(chan struct{})
	var gotResponse inboundFrame

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		require.NoError(t, wsjson.Write(ctx, conn, map[string]string{
			"type":      "http_request",
			"requestId": "req-1",
			"method":    "GET",
			"path":      "/terminal/list",
		}))

		var frame inboundFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		gotResponse = frame
		close(done)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	client := New(Config{WSURL: wsURL, APIKey: "k1"}, echoDispatcher{}, nil, nil, obslog.New("ERROR"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go client.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for http_response")
	}

	require.Equal(t, "http_response", gotResponse.Type)
	require.Equal(t, "req-1", gotResponse.RequestID)
}
