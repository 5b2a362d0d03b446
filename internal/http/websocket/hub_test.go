package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/hbomb79/Rhea/internal/http/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// receivedMessage mirrors the wire shape of a SocketMessage as a client
// decodes it.
type receivedMessage struct {
	Title string                 `json:"title"`
	Body  map[string]interface{} `json:"arguments"`
	Id    int                    `json:"id"`
	Type  int                    `json:"type"`
}

// startHub runs the hub and serves its upgrade handler over a test HTTP
// server, returning the ws:// URL clients should dial.
func startHub(t *testing.T, hub *websocket.SocketHub) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.UpgradeToSocket(w, r)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// dialSocket connects to the hub, retrying until the hub's run loop is
// accepting registrations.
func dialSocket(t *testing.T, url string) *gorilla.Conn {
	t.Helper()

	var conn *gorilla.Conn
	require.Eventually(t, func() bool {
		c, _, err := gorilla.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}

		conn = c
		return true
	}, time.Second*5, time.Millisecond*10)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })

	return conn
}

func Test_UpgradeToSocket_DeliversWelcomePacket(t *testing.T) {
	t.Parallel()

	hub := websocket.New()
	hub.WithConnectionCallback(func() map[string]interface{} {
		return map[string]interface{}{"queue_length": 3}
	})

	conn := dialSocket(t, startHub(t, hub))

	var welcome receivedMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "CONNECTION_ESTABLISHED", welcome.Title)
	assert.Equal(t, float64(3), welcome.Body["queue_length"], "welcome packet must carry the connection callback's state")
	assert.NotEmpty(t, welcome.Body["client"])
}

func Test_BindCommand_RoutesClientCommands(t *testing.T) {
	t.Parallel()

	hub := websocket.New()
	hub.BindCommand("QUEUE_INDEX", func(socketHub *websocket.SocketHub, command *websocket.SocketMessage) error {
		if err := command.ValidateArguments(map[string]string{"index": "number"}); err != nil {
			return err
		}

		socketHub.Send(command.FormReply("QUEUE_INDEX", map[string]interface{}{"item": "first"}, websocket.Response))
		return nil
	})

	conn := dialSocket(t, startHub(t, hub))

	var welcome receivedMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"title":     "QUEUE_INDEX",
		"arguments": map[string]interface{}{"index": 0},
		"id":        7,
		"type":      websocket.Command,
	}))

	var reply receivedMessage
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "QUEUE_INDEX", reply.Title)
	assert.Equal(t, 7, reply.Id, "reply must carry the command's exchange ID")
	assert.Equal(t, "first", reply.Body["item"])

	// The same command with its required argument missing is answered with a
	// command failure rather than being dropped.
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"title":     "QUEUE_INDEX",
		"arguments": map[string]interface{}{},
		"id":        8,
		"type":      websocket.Command,
	}))

	var failure receivedMessage
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, "COMMAND_FAILURE", failure.Title)
	assert.Equal(t, 8, failure.Id)
	assert.Contains(t, failure.Body["error"], "index")
}

func Test_HandleMessage_RepliesWithErrorForUnknownCommand(t *testing.T) {
	t.Parallel()

	hub := websocket.New()
	conn := dialSocket(t, startHub(t, hub))

	var welcome receivedMessage
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"title": "NO_SUCH_COMMAND",
		"id":    1,
		"type":  websocket.Command,
	}))

	var failure receivedMessage
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, "COMMAND_FAILURE", failure.Title)
	assert.Equal(t, "Unknown command", failure.Body["error"])
}
