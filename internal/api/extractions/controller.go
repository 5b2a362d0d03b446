package extractions

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/extraction"
	"github.com/labstack/echo/v4"
)

type (
	// NewExtractionRequest is the payload for requesting an extraction. The
	// request blocks until the extraction settles (or the client disconnects,
	// which detaches them from the underlying task without cancelling it for
	// other joined callers).
	NewExtractionRequest struct {
		URL     string `json:"url" validate:"required,url"`
		Format  string `json:"format" validate:"required"`
		Quality string `json:"quality"`
	}

	// Dto is the response shape used by endpoints returning extractions.
	Dto struct {
		Id        uuid.UUID                 `json:"id"`
		URL       string                    `json:"url"`
		Format    string                    `json:"format"`
		Status    string                    `json:"status"`
		Attempt   int                       `json:"attempt"`
		Progress  *extraction.StageProgress `json:"progress,omitempty"`
		Result    *ResultDto                `json:"result,omitempty"`
		Failure   *FailureDto               `json:"failure,omitempty"`
		CreatedAt time.Time                 `json:"created_at"`
	}

	ResultDto struct {
		OutputPath string `json:"output_path"`
		Format     string `json:"format"`
		SizeBytes  int64  `json:"size_bytes"`
		Checksum   string `json:"checksum"`
		Duration   string `json:"duration,omitempty"`
	}

	FailureDto struct {
		Kind    string `json:"kind"`
		Stage   string `json:"stage"`
		Message string `json:"message"`
	}

	ExtractionService interface {
		NewExtraction(targetURL string, format string, quality string) (*extraction.Task, error)
		AllTasks() []*extraction.Task
		Task(id uuid.UUID) *extraction.Task
		CancelTask(id uuid.UUID) error
	}

	RecordStore interface {
		GetExtraction(id uuid.UUID) (*extraction.Record, error)
		RecentExtractions(limit int) ([]*extraction.Record, error)
	}

	// Controller defines the routes for the extraction endpoints and holds
	// the service and record store they're served from.
	Controller struct {
		service  ExtractionService
		records  RecordStore
		validate *validator.Validate
	}
)

func New(validate *validator.Validate, service ExtractionService, records RecordStore) *Controller {
	return &Controller{service: service, records: records, validate: validate}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
	eg.GET("/", controller.list)
	eg.GET("/history/", controller.history)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.cancel)
}

// create enqueues (or joins) an extraction and blocks until it settles. The
// request context doubles as the caller's interest signal: a disconnect
// detaches this caller, and the task is only cancelled when nobody remains.
func (controller *Controller) create(ec echo.Context) error {
	var request NewExtractionRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	task, err := controller.service.NewExtraction(request.URL, request.Format, request.Quality)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	_, trouble, err := task.Wait(ec.Request().Context())
	if err != nil {
		// Client went away; the task keeps running for any other waiters.
		return err
	}

	if trouble != nil {
		return troubleResponse(ec, task, trouble)
	}

	return ec.JSON(http.StatusOK, NewDto(task))
}

// list returns the currently queued or running tasks.
func (controller *Controller) list(ec echo.Context) error {
	tasks := controller.service.AllTasks()
	dtos := make([]*Dto, len(tasks))
	for k, v := range tasks {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

// history returns recently settled extraction records from the store.
func (controller *Controller) history(ec echo.Context) error {
	records, err := controller.records.RecentExtractions(50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch extraction history")
	}

	return ec.JSON(http.StatusOK, records)
}

// get looks for a live task with the 'id' path param first, falling back to
// the record store for settled extractions.
func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Extraction ID is not a valid UUID")
	}

	if task := controller.service.Task(id); task != nil {
		return ec.JSON(http.StatusOK, NewDto(task))
	}

	record, err := controller.records.GetExtraction(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch extraction record")
	}
	if record == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, record)
}

// cancel cancels the live task with the 'id' path param.
func (controller *Controller) cancel(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Extraction ID is not a valid UUID")
	}

	if err := controller.service.CancelTask(id); err != nil {
		if errors.Is(err, extraction.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}

		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

// troubleResponse maps a classified extraction failure to its HTTP shape.
// POOL_EXHAUSTED is a backpressure signal rather than a failure, so it is
// surfaced as 503 with a Retry-After header.
func troubleResponse(ec echo.Context, task *extraction.Task, trouble *extraction.Trouble) error {
	status := http.StatusInternalServerError
	switch trouble.Kind() {
	case extraction.POOL_EXHAUSTED:
		ec.Response().Header().Set("Retry-After", "30")
		status = http.StatusServiceUnavailable
	case extraction.AUTHENTICATION_REQUIRED:
		status = http.StatusUnauthorized
	case extraction.STREAM_NOT_FOUND:
		status = http.StatusNotFound
	case extraction.NAVIGATION_FAILURE:
		status = http.StatusBadGateway
	case extraction.CANCELLED:
		status = http.StatusConflict
	case extraction.INCOMPLETE_DOWNLOAD, extraction.TRANSCODE_FAILURE, extraction.COOKIE_STORE_UNAVAILABLE, extraction.GENERIC_FAILURE:
		status = http.StatusInternalServerError
	}

	return ec.JSON(status, NewDto(task))
}

func NewDto(task *extraction.Task) *Dto {
	if task == nil {
		return nil
	}

	dto := &Dto{
		Id:        task.ID(),
		URL:       task.TargetURL(),
		Format:    task.Format().String(),
		Status:    task.Status().String(),
		Attempt:   task.Attempt(),
		Progress:  task.LastProgress(),
		CreatedAt: task.CreatedAt(),
	}

	if result := task.Result(); result != nil {
		dto.Result = &ResultDto{
			OutputPath: result.OutputPath,
			Format:     result.Format.String(),
			SizeBytes:  result.SizeBytes,
			Checksum:   result.Checksum,
			Duration:   result.Duration,
		}
	}

	if trouble := task.Trouble(); trouble != nil {
		dto.Failure = &FailureDto{
			Kind:    trouble.Kind().String(),
			Stage:   trouble.Stage(),
			Message: trouble.Message(),
		}
	}

	return dto
}
