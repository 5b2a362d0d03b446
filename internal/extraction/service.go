package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/download"
	"github.com/hbomb79/Rhea/internal/event"
	"github.com/hbomb79/Rhea/internal/ffmpeg"
	"github.com/hbomb79/Rhea/internal/locator"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var (
	log = logger.Get("ExtractServ")

	ErrTaskNotFound = errors.New("no task found")
)

type (
	// SessionPool leases exclusive browser sessions to the pipeline.
	SessionPool interface {
		Acquire(ctx context.Context) (browser.Session, error)
		Release(session browser.Session)
	}

	StreamLocator interface {
		Locate(ctx context.Context, session browser.Session, targetURL string, hint string) (*locator.LocatedStream, error)
	}

	MediaDownloader interface {
		Download(ctx context.Context, extractionID uuid.UUID, stream *locator.LocatedStream, onProgress download.ProgressFn) (*download.Artifact, error)
		Cleanup(extractionID uuid.UUID)
	}

	MediaTranscoder interface {
		Probe(path string) (*ffmpeg.SourceInfo, error)
		Merge(ctx context.Context, videoPath string, audioPath string, outputPath string) error
		Transcode(ctx context.Context, inputPath string, outputPath string, format ffmpeg.OutputFormat, source *ffmpeg.SourceInfo, onProgress ffmpeg.ProgressFn) error
	}

	// CookieInvalidator is satisfied by the cookie store; used when the
	// target site rejects our authentication.
	CookieInvalidator interface {
		Invalidate(domain string) error
	}

	RecordStore interface {
		SaveExtraction(record *Record) error
	}

	Config struct {
		MaxConcurrent         int    `yaml:"max_concurrent" env:"EXTRACTION_MAX_CONCURRENT" env-default:"4"`
		MaxAttempts           int    `yaml:"max_attempts" env:"EXTRACTION_MAX_ATTEMPTS" env-default:"3"`
		RetryBackoffSeconds   int    `yaml:"retry_backoff_seconds" env:"EXTRACTION_RETRY_BACKOFF" env-default:"2"`
		DownloadRetries       int    `yaml:"download_retries" env:"EXTRACTION_DOWNLOAD_RETRIES" env-default:"2"`
		OutputDir             string `yaml:"output_dir" env:"EXTRACTION_OUTPUT_DIR" env-default:"/tmp/rhea-output"`
		ResultCacheTTLSeconds int    `yaml:"result_cache_ttl_seconds" env:"EXTRACTION_RESULT_CACHE_TTL" env-default:"300"`
	}

	// extractionService coordinates the whole pipeline for each requested
	// extraction. It is responsible for some key aspects of Rhea:
	//   - Joining concurrent requests for the same target to one in-flight task
	//   - Driving each task through locate, download, merge and transcode
	//   - Owning the retry policy for every classified failure kind
	// 	 - Live-tracking and reporting of ongoing extractions over the event bus
	//   - Persistence of settled extractions to the record store
	extractionService struct {
		*sync.Mutex
		taskWg  *sync.WaitGroup
		config  *Config
		tasks   []*Task
		running int

		inflight map[ExtractionKey]*Task
		results  *resultCache

		pool       SessionPool
		locator    StreamLocator
		downloader MediaDownloader
		transcoder MediaTranscoder
		cookies    CookieInvalidator
		records    RecordStore
		eventBus   event.EventCoordinator

		queueChange chan bool
		taskChange  chan uuid.UUID
	}
)

func New(
	config Config,
	pool SessionPool,
	streamLocator StreamLocator,
	downloader MediaDownloader,
	transcoder MediaTranscoder,
	cookies CookieInvalidator,
	records RecordStore,
	eventBus event.EventCoordinator,
) (*extractionService, error) {
	if err := os.MkdirAll(config.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create extraction output directory: %w", err)
	}

	return &extractionService{
		Mutex:       &sync.Mutex{},
		taskWg:      &sync.WaitGroup{},
		config:      &config,
		tasks:       make([]*Task, 0),
		inflight:    make(map[ExtractionKey]*Task),
		results:     newResultCache(time.Duration(config.ResultCacheTTLSeconds) * time.Second),
		pool:        pool,
		locator:     streamLocator,
		downloader:  downloader,
		transcoder:  transcoder,
		cookies:     cookies,
		records:     records,
		eventBus:    eventBus,
		queueChange: make(chan bool, 128),
		taskChange:  make(chan uuid.UUID, 128),
	}, nil
}

// Run is the main entry point for this service. This method will block until
// the provided context is cancelled.
// Note: when the context is cancelled this method will not immediately return
// as it waits for its running extraction tasks to cancel.
func (service *extractionService) Run(ctx context.Context) error {
	pruneTicker := time.NewTicker(time.Minute)
	defer pruneTicker.Stop()

	for {
		select {
		case <-service.queueChange:
			service.startPendingTasks()
		case taskID := <-service.taskChange:
			service.handleTaskUpdate(taskID)
		case <-pruneTicker.C:
			service.results.prune()
		case <-ctx.Done():
			log.Emit(logger.STOP, "Shutting down (context cancelled). Waiting for extraction tasks to cancel.\n")
			service.cancelAllTasks()
			service.taskWg.Wait()
			return nil
		}
	}
}

// NewExtraction enqueues an extraction for the target provided, or joins the
// caller to an already in-flight task for the same key. The returned task is
// joined; the caller MUST call Wait on it (Wait detaches the caller even on
// context cancellation).
func (service *extractionService) NewExtraction(targetURL string, rawFormat string, quality string) (*Task, error) {
	format, err := ffmpeg.ParseOutputFormat(rawFormat)
	if err != nil {
		return nil, err
	}

	if parsed, urlErr := url.Parse(targetURL); urlErr != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("target %q is not a valid http(s) URL", targetURL)
	}

	key, err := NewExtractionKey(targetURL, format, quality)
	if err != nil {
		return nil, err
	}

	service.Lock()
	defer service.Unlock()

	if existing, ok := service.inflight[key]; ok {
		existing.join()
		log.Emit(logger.DEBUG, "Joining request to in-flight task %s (key matched)\n", existing.ID())
		return existing, nil
	}

	task := newTask(key, targetURL, format, quality)
	if cached := service.results.get(key); cached != nil {
		log.Emit(logger.DEBUG, "Serving extraction %s from result cache\n", task.ID())
		task.join()
		task.complete(cached)
		return task, nil
	}

	service.tasks = append(service.tasks, task)
	service.inflight[key] = task
	task.join()

	log.Emit(logger.NEW, "Queued extraction %s for %s (format %s)\n", task.ID(), targetURL, format)
	service.queueChange <- true
	return task, nil
}

// AllTasks returns a snapshot of the current task queue.
func (service *extractionService) AllTasks() []*Task {
	service.Lock()
	defer service.Unlock()

	return append([]*Task(nil), service.tasks...)
}

// Task returns the queued or running task with the matching ID, or nil.
func (service *extractionService) Task(id uuid.UUID) *Task {
	service.Lock()
	defer service.Unlock()

	return service.taskLocked(id)
}

func (service *extractionService) taskLocked(id uuid.UUID) *Task {
	for _, t := range service.tasks {
		if t.ID() == id {
			return t
		}
	}

	return nil
}

// CancelTask cancels the run context of the task with the ID provided; the
// pipeline observes the cancellation and settles the task as CANCELLED.
func (service *extractionService) CancelTask(id uuid.UUID) error {
	task := service.Task(id)
	if task == nil {
		return ErrTaskNotFound
	}

	task.cancelRun()
	log.Emit(logger.STOP, "Cancelled %s\n", task)
	return nil
}

func (service *extractionService) cancelAllTasks() {
	service.Lock()
	defer service.Unlock()

	for _, task := range service.tasks {
		task.cancelRun()
	}
}

// startPendingTasks spawns pipeline goroutines for queued tasks, subject to
// the configured concurrency ceiling.
func (service *extractionService) startPendingTasks() {
	service.Lock()
	defer service.Unlock()

	for _, task := range service.tasks {
		if service.running >= service.config.MaxConcurrent {
			return
		}

		if task.Status() != PENDING || !task.start() {
			continue
		}

		service.running++
		service.taskWg.Add(1)
		go func(taskToRun *Task) {
			defer service.taskWg.Done()

			service.runTask(taskToRun)

			// Non-blocking send: on shutdown nothing is draining this channel.
			select {
			case service.taskChange <- taskToRun.ID():
			default:
				log.Emit(logger.WARNING, "Failed to notify service of task change... this could be because the service is shutting down\n")
			}

			service.Lock()
			defer service.Unlock()
			service.running--
		}(task)
	}
}

// handleTaskUpdate persists settled tasks, removes them from the queue and
// publishes their fate over the event bus.
func (service *extractionService) handleTaskUpdate(taskID uuid.UUID) {
	service.Lock()
	task := service.taskLocked(taskID)
	service.Unlock()
	if task == nil {
		return
	}

	switch task.Status() {
	case COMPLETED:
		service.results.put(task.Key(), task.Result())
		service.persistRecord(task)
		service.removeTask(task)
		service.eventBus.Dispatch(event.ExtractionCompleteEvent, taskID)
	case FAILED:
		service.persistRecord(task)
		service.removeTask(task)
		service.eventBus.Dispatch(event.ExtractionUpdateEvent, taskID)
	default:
		service.eventBus.Dispatch(event.ExtractionUpdateEvent, taskID)
	}
}

func (service *extractionService) persistRecord(task *Task) {
	if service.records == nil {
		return
	}

	if err := service.records.SaveExtraction(NewRecord(task)); err != nil {
		log.Emit(logger.ERROR, "Failed to persist record for task %s: %v\n", task.ID(), err)
	}
}

func (service *extractionService) removeTask(task *Task) {
	service.Lock()
	defer service.Unlock()

	delete(service.inflight, task.Key())
	for i, t := range service.tasks {
		if t.ID() == task.ID() {
			service.tasks = append(service.tasks[:i], service.tasks[i+1:]...)
			break
		}
	}

	select {
	case service.queueChange <- true:
	default:
	}
}

// runTask drives a task through the pipeline, applying the retry policy for
// each classified failure:
//   - STREAM_NOT_FOUND and NAVIGATION_FAILURE retry the whole pipeline with
//     exponential backoff, up to the configured attempt ceiling
//   - AUTHENTICATION_REQUIRED invalidates the site's cookies and retries
//     exactly once; a second auth failure is terminal
//   - everything else is terminal on first occurrence
func (service *extractionService) runTask(task *Task) {
	ctx := task.runCtx
	authRetried := false

	for attempt := 1; ; attempt++ {
		task.mu.Lock()
		task.attempt = attempt
		task.mu.Unlock()

		result, err := service.runAttempt(ctx, task)
		if err == nil {
			task.complete(result)
			return
		}

		trouble, ok := err.(*Trouble)
		if !ok {
			trouble = newTrouble("pipeline", err)
		}

		if ctx.Err() != nil {
			trouble = newTrouble(trouble.stage, ctx.Err())
		}

		switch {
		case trouble.kind == AUTHENTICATION_REQUIRED && !authRetried:
			authRetried = true
			domain := hostOf(task.TargetURL())
			log.Emit(logger.WARNING, "Task %s hit an authentication wall. Invalidating cookies for %s and retrying once\n", task.ID(), domain)
			if invErr := service.cookies.Invalidate(domain); invErr != nil {
				log.Emit(logger.ERROR, "Cookie invalidation for %s failed: %v\n", domain, invErr)
				service.settleFailed(task, trouble)
				return
			}

			continue
		case trouble.retryable() && attempt < service.config.MaxAttempts && ctx.Err() == nil:
			backoff := service.backoffFor(attempt)
			log.Emit(logger.WARNING, "Task %s attempt %d failed (%s). Retrying in %s\n", task.ID(), attempt, trouble.kind, backoff)

			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				service.settleFailed(task, newTrouble(trouble.stage, ctx.Err()))
				return
			}
		default:
			service.settleFailed(task, trouble)
			return
		}
	}
}

func (service *extractionService) settleFailed(task *Task, trouble *Trouble) {
	log.Emit(logger.ERROR, "Task %s has failed terminally: %v\n", task.ID(), trouble)
	service.downloader.Cleanup(task.ID())
	task.fail(trouble)
}

// runAttempt executes one full pass of the pipeline. Errors returned are
// already classified as Troubles naming the stage that raised them.
func (service *extractionService) runAttempt(ctx context.Context, task *Task) (*Result, error) {
	session, err := service.pool.Acquire(ctx)
	if err != nil {
		return nil, newTrouble("session acquisition", err)
	}

	task.setStatus(SESSION_ACQUIRED)
	service.notifyProgress(task, StageProgress{Stage: "locating"})

	// The session is only needed while locating; downloads go over plain
	// HTTP. Release as soon as locating settles so the pool slot frees up.
	stream, err := service.locator.Locate(ctx, session, task.TargetURL(), task.Quality())
	service.pool.Release(session)
	if err != nil {
		return nil, newTrouble("stream location", err)
	}

	task.setStatus(STREAM_LOCATED)

	artifact, err := service.downloadWithResume(ctx, task, stream)
	if err != nil {
		return nil, newTrouble("download", err)
	}

	task.setStatus(DOWNLOADED)
	service.notifyProgress(task, StageProgress{Stage: "transcoding"})

	result, err := service.produceOutput(ctx, task, artifact)
	if err != nil {
		return nil, newTrouble("transcode", err)
	}

	task.setStatus(TRANSCODED)
	service.downloader.Cleanup(task.ID())
	return result, nil
}

// downloadWithResume retries the download stage in isolation; partial files
// are kept between attempts, so each retry resumes rather than restarts. The
// located stream is not re-resolved here as its URLs remain valid for the
// stream's TTL.
func (service *extractionService) downloadWithResume(ctx context.Context, task *Task, stream *locator.LocatedStream) (*download.Artifact, error) {
	onProgress := func(p download.Progress) {
		progress := StageProgress{Stage: "downloading", BytesDone: p.BytesDone, BytesTotal: p.BytesTotal}
		if p.BytesTotal > 0 {
			progress.Percent = float64(p.BytesDone) / float64(p.BytesTotal) * 100
		}

		service.notifyProgress(task, progress)
	}

	var lastErr error
	for attempt := 0; attempt <= service.config.DownloadRetries; attempt++ {
		if time.Now().After(stream.ExpiresAt) {
			return nil, &locator.StreamNotFoundError{URL: task.TargetURL(), Window: 0}
		}

		artifact, err := service.downloader.Download(ctx, task.ID(), stream, onProgress)
		if err == nil {
			return artifact, nil
		}

		lastErr = err

		var incomplete *download.IncompleteDownloadError
		if !errors.As(err, &incomplete) || ctx.Err() != nil {
			return nil, err
		}

		log.Emit(logger.WARNING, "Task %s download interrupted (%d/%d bytes). Resuming\n", task.ID(), incomplete.Actual, incomplete.Expected)
	}

	return nil, lastErr
}

// produceOutput merges multi-part artifacts, probes the source and then
// remuxes or transcodes it in to the requested format.
func (service *extractionService) produceOutput(ctx context.Context, task *Task, artifact *download.Artifact) (*Result, error) {
	inputPath, err := service.mergeParts(ctx, task, artifact)
	if err != nil {
		return nil, err
	}

	source, err := service.transcoder.Probe(inputPath)
	if err != nil {
		// An unprobeable file is still convertible; ffmpeg will just never
		// pick the remux fast path.
		log.Emit(logger.WARNING, "Probe of downloaded media for task %s failed (%v). Proceeding without remux detection\n", task.ID(), err)
		source = nil
	}

	outputPath := filepath.Join(service.config.OutputDir, task.ID().String()+task.Format().Extension())
	onProgress := func(p ffmpeg.Progress) {
		service.notifyProgress(task, StageProgress{Stage: "transcoding", Percent: p.Progress})
	}

	if err := service.transcoder.Transcode(ctx, inputPath, outputPath, task.Format(), source, onProgress); err != nil {
		return nil, err
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("transcode produced no readable output: %w", err)
	}

	checksum, err := download.ChecksumFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum output: %w", err)
	}

	result := &Result{
		OutputPath: outputPath,
		Format:     task.Format(),
		SizeBytes:  info.Size(),
		Checksum:   checksum,
	}
	if source != nil {
		result.Duration = source.Duration
	}

	return result, nil
}

// mergeParts reduces the artifact to a single input file for the transcoder,
// merging discrete video and audio parts when the site served them separately.
func (service *extractionService) mergeParts(ctx context.Context, task *Task, artifact *download.Artifact) (string, error) {
	switch len(artifact.Parts) {
	case 1:
		return artifact.Parts[0].Path, nil
	case 2:
		var videoPath, audioPath string
		for _, part := range artifact.Parts {
			if part.Kind == locator.KindAudio {
				audioPath = part.Path
			} else {
				videoPath = part.Path
			}
		}

		if videoPath == "" || audioPath == "" {
			return "", fmt.Errorf("artifact carries %d parts but not a video/audio pair", len(artifact.Parts))
		}

		merged := filepath.Join(artifact.Dir, "merged.mkv")
		if err := service.transcoder.Merge(ctx, videoPath, audioPath, merged); err != nil {
			return "", err
		}

		return merged, nil
	default:
		return "", fmt.Errorf("artifact carries unsupported part count %d", len(artifact.Parts))
	}
}

func (service *extractionService) notifyProgress(task *Task, progress StageProgress) {
	task.setProgress(progress)
	service.eventBus.Dispatch(event.ExtractionProgressEvent, task.ID())
}

func (service *extractionService) backoffFor(attempt int) time.Duration {
	base := time.Duration(service.config.RetryBackoffSeconds) * time.Second
	return base * time.Duration(1<<(attempt-1))
}

func hostOf(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		return parsed.Hostname()
	}

	return rawURL
}
