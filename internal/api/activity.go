package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/api/extractions"
	"github.com/hbomb79/Rhea/internal/http/websocket"
)

const (
	TitleExtractionUpdate   = "EXTRACTION_UPDATE"
	TitleExtractionProgress = "EXTRACTION_PROGRESS_UPDATE"
	TitleExtractionComplete = "EXTRACTION_COMPLETE"
	TitleExtractionState    = "EXTRACTION_STATE"
	TitleExtractionDetails  = "EXTRACTION_DETAILS"
)

type (
	ExtractionUpdate struct {
		ExtractionId uuid.UUID        `json:"extraction_id"`
		Extraction   *extractions.Dto `json:"extraction"`
	}

	// broadcaster pushes extraction lifecycle changes out over the activity
	// socket; the gateway's owner wires these methods to event bus handlers.
	broadcaster struct {
		socketHub *websocket.SocketHub
		service   extractions.ExtractionService
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, service extractions.ExtractionService) *broadcaster {
	return &broadcaster{socketHub, service}
}

func (hub *broadcaster) BroadcastExtractionUpdate(id uuid.UUID) {
	hub.broadcast(TitleExtractionUpdate, hub.updateFor(id))
}

func (hub *broadcaster) BroadcastExtractionProgress(id uuid.UUID) {
	hub.broadcast(TitleExtractionProgress, hub.updateFor(id))
}

func (hub *broadcaster) BroadcastExtractionComplete(id uuid.UUID) {
	hub.broadcast(TitleExtractionComplete, hub.updateFor(id))
}

// updateFor snapshots the task's current state. A nil Extraction in the update
// indicates the task has already left the queue (e.g. settled and removed).
func (hub *broadcaster) updateFor(id uuid.UUID) ExtractionUpdate {
	return ExtractionUpdate{ExtractionId: id, Extraction: extractions.NewDto(hub.service.Task(id))}
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]interface{}{"arguments": update},
		Type:  websocket.Update,
	})
}

// connectionPayload furnishes newly connected clients with the current task
// queue via the welcome packet.
func (hub *broadcaster) connectionPayload() map[string]interface{} {
	return map[string]interface{}{"extractions": hub.taskDtos()}
}

// extractionState replies with a snapshot of every queued or running
// extraction so a client can resynchronise after missing broadcasts.
func (hub *broadcaster) extractionState(socketHub *websocket.SocketHub, command *websocket.SocketMessage) error {
	socketHub.Send(command.FormReply(TitleExtractionState, map[string]interface{}{"extractions": hub.taskDtos()}, websocket.Response))
	return nil
}

// extractionDetails replies with the current state of the single extraction
// named by the command's 'extraction_id' argument.
func (hub *broadcaster) extractionDetails(socketHub *websocket.SocketHub, command *websocket.SocketMessage) error {
	if err := command.ValidateArguments(map[string]string{"extraction_id": "string"}); err != nil {
		return err
	}

	id, err := uuid.Parse(fmt.Sprintf("%v", command.Body["extraction_id"]))
	if err != nil {
		return errors.New("extraction_id is not a valid UUID")
	}

	task := hub.service.Task(id)
	if task == nil {
		return errors.New("no queued or running extraction matches extraction_id")
	}

	socketHub.Send(command.FormReply(TitleExtractionDetails, map[string]interface{}{"extraction": extractions.NewDto(task)}, websocket.Response))
	return nil
}

func (hub *broadcaster) taskDtos() []*extractions.Dto {
	tasks := hub.service.AllTasks()
	dtos := make([]*extractions.Dto, len(tasks))
	for k, v := range tasks {
		dtos[k] = extractions.NewDto(v)
	}

	return dtos
}
