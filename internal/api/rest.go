package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Rhea/internal/api/extractions"
	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/http/websocket"
	"github.com/hbomb79/Rhea/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

type (
	RestConfig struct {
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// PoolHealth is the slice of the browser pool the health endpoint needs.
	PoolHealth interface {
		Healthy() bool
		Stats() browser.PoolStats
	}

	healthResponse struct {
		Status string            `json:"status"`
		Pool   browser.PoolStats `json:"pool"`
	}

	// The RestGateway is a thin wrapper around the Echo HTTP router. Its sole
	// responsibility is to create the routes Rhea exposes and to manage
	// ongoing web socket connections and events.
	RestGateway struct {
		*broadcaster
		config               *RestConfig
		ec                   *echo.Echo
		socket               *websocket.SocketHub
		pool                 PoolHealth
		extractionController controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers.
func NewRestGateway(
	config *RestConfig,
	extractionService extractions.ExtractionService,
	records extractions.RecordStore,
	pool PoolHealth,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:          newBroadcaster(socket, extractionService),
		config:               config,
		ec:                   ec,
		socket:               socket,
		pool:                 pool,
		extractionController: extractions.New(validate, extractionService, records),
	}

	socket.WithConnectionCallback(gateway.connectionPayload)
	socket.BindCommand(TitleExtractionState, gateway.extractionState).
		BindCommand(TitleExtractionDetails, gateway.extractionDetails)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET("/api/v1/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})

	ec.GET("/api/v1/health/", gateway.health)

	extractionGroup := ec.Group("/api/v1/extractions")
	gateway.extractionController.SetRoutes(extractionGroup)

	return gateway
}

// health reports whether the service can perform extractions. The pool losing
// every browser session is the condition that makes the service useless, so
// that is what degrades the status to 503.
func (gateway *RestGateway) health(ec echo.Context) error {
	stats := gateway.pool.Stats()
	if !gateway.pool.Healthy() {
		return ec.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded", Pool: stats})
	}

	return ec.JSON(http.StatusOK, healthResponse{Status: "ok", Pool: stats})
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil {
			ctxCancel(err)
		}
	}()

	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Parent context cancellation is a normal shutdown, not an error.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}
