package api

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/extraction"
	"github.com/hbomb79/Rhea/internal/http/websocket"
	"github.com/stretchr/testify/assert"
)

type stubExtractionService struct{}

func (stubExtractionService) NewExtraction(string, string, string) (*extraction.Task, error) {
	return nil, nil
}
func (stubExtractionService) AllTasks() []*extraction.Task    { return nil }
func (stubExtractionService) Task(uuid.UUID) *extraction.Task { return nil }
func (stubExtractionService) CancelTask(uuid.UUID) error      { return nil }

func Test_ExtractionDetailsCommand_RejectsBadArguments(t *testing.T) {
	t.Parallel()

	hub := newBroadcaster(websocket.New(), stubExtractionService{})

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing extraction_id", map[string]interface{}{}},
		{"malformed extraction_id", map[string]interface{}{"extraction_id": "not-a-uuid"}},
		{"unknown extraction_id", map[string]interface{}{"extraction_id": uuid.New().String()}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			command := &websocket.SocketMessage{Title: TitleExtractionDetails, Body: test.body, Type: websocket.Command}
			assert.Error(t, hub.extractionDetails(hub.socketHub, command))
		})
	}
}

func Test_ConnectionPayload_SnapshotsTaskQueue(t *testing.T) {
	t.Parallel()

	hub := newBroadcaster(websocket.New(), stubExtractionService{})

	payload := hub.connectionPayload()
	assert.Contains(t, payload, "extractions")
	assert.Empty(t, payload["extractions"])
}
