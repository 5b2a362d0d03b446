package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/api"
	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/hbomb79/Rhea/internal/download"
	"github.com/hbomb79/Rhea/internal/event"
	"github.com/hbomb79/Rhea/internal/extraction"
	"github.com/hbomb79/Rhea/internal/ffmpeg"
	"github.com/hbomb79/Rhea/internal/locator"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	RestGateway interface {
		RunnableService
		BroadcastExtractionUpdate(uuid.UUID)
		BroadcastExtractionProgress(uuid.UUID)
		BroadcastExtractionComplete(uuid.UUID)
	}

	ExtractionService interface {
		RunnableService
		NewExtraction(targetURL string, format string, quality string) (*extraction.Task, error)
		AllTasks() []*extraction.Task
		Task(uuid.UUID) *extraction.Task
		CancelTask(uuid.UUID) error
	}
)

// Rhea represents the top-level object for the server, responsible for
// initialising the cookie store, browser pool, pipeline services, stores and
// event handling.
type rheaImpl struct {
	eventBus event.EventCoordinator
	config   RheaConfig

	cookieStore *cookie.Store
	pool        *browser.Pool
	recordStore *extraction.Store

	extractionService ExtractionService
	restGateway       RestGateway
	activityService   *activityService
}

func New(config RheaConfig) (*rheaImpl, error) {
	rhea := &rheaImpl{
		eventBus: event.New(),
		config:   config,
	}

	rhea.cookieStore = cookie.NewStore(config.CookiePath, rhea.eventBus)

	registry, err := buildMatcherRegistry(config.Sites, config.Locator)
	if err != nil {
		return nil, fmt.Errorf("failed to build site matcher registry: %w", err)
	}

	pool, err := browser.NewPool(config.Browser, func() (browser.Session, error) {
		return browser.NewSession(config.Browser)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise browser pool: %w", err)
	}
	rhea.pool = pool

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	recordStore, err := extraction.NewStore(config.DatabasePath)
	if err != nil {
		return nil, err
	}
	rhea.recordStore = recordStore

	extractionService, err := extraction.New(
		config.Extraction,
		pool,
		locator.New(config.Locator, registry, rhea.cookieStore),
		download.New(config.Download),
		ffmpeg.New(config.Format),
		rhea.cookieStore,
		recordStore,
		rhea.eventBus,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct extraction service: %w", err)
	}
	rhea.extractionService = extractionService

	rhea.restGateway = api.NewRestGateway(&config.Rest, rhea.extractionService, recordStore, pool)
	rhea.activityService = newActivityService(rhea.restGateway, rhea.eventBus)

	return rhea, nil
}

// Run starts all of Rhea's services and blocks until the context provided is
// cancelled, or until a service crashes in a way the process cannot recover
// from.
func (rhea *rheaImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	wg := &sync.WaitGroup{}
	rhea.spawnAsyncService(ctx, wg, rhea.cookieStore, "cookie-store", crashHandler)
	rhea.spawnAsyncService(ctx, wg, rhea.extractionService, "extraction-service", crashHandler)
	rhea.spawnAsyncService(ctx, wg, rhea.activityService, "activity-service", crashHandler)
	rhea.spawnAsyncService(ctx, wg, rhea.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Rhea services spawned!\n")

	wg.Wait()

	rhea.pool.Close()
	if err := rhea.recordStore.Close(); err != nil {
		log.Emit(logger.WARNING, "Failed to close record store cleanly: %v\n", err)
	}

	return nil
}

// spawnAsyncService runs the provided service on its own goroutine, ensuring
// the service waitgroup is updated correctly and that a panic or error from
// any one service brings the process down via the crash handler.
func (rhea *rheaImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// buildMatcherRegistry compiles the configured site integrations; hosts with
// no dedicated integration fall through to the generic heuristics, carrying
// the service-wide content length floor.
func buildMatcherRegistry(sites []locator.SiteMatcherConfig, locatorConfig locator.Config) (*locator.Registry, error) {
	matchers := make([]locator.Matcher, 0, len(sites))
	for _, site := range sites {
		matcher, err := locator.NewSiteMatcher(site)
		if err != nil {
			return nil, fmt.Errorf("site integration %q is invalid: %w", site.Name, err)
		}

		matchers = append(matchers, matcher)
	}

	fallback := locator.NewGenericMatcher(locator.GenericMatcherConfig{MinContentLength: locatorConfig.MinContentLength})
	return locator.NewRegistry(matchers...).WithFallback(fallback), nil
}
