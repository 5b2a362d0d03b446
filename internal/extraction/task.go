package extraction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/ffmpeg"
)

type TaskStatus int

const (
	PENDING TaskStatus = iota
	SESSION_ACQUIRED
	STREAM_LOCATED
	DOWNLOADED
	TRANSCODED
	COMPLETED
	FAILED
)

func (s TaskStatus) String() string {
	switch s {
	case PENDING:
		return fmt.Sprintf("PENDING[%d]", s)
	case SESSION_ACQUIRED:
		return fmt.Sprintf("SESSION_ACQUIRED[%d]", s)
	case STREAM_LOCATED:
		return fmt.Sprintf("STREAM_LOCATED[%d]", s)
	case DOWNLOADED:
		return fmt.Sprintf("DOWNLOADED[%d]", s)
	case TRANSCODED:
		return fmt.Sprintf("TRANSCODED[%d]", s)
	case COMPLETED:
		return fmt.Sprintf("COMPLETED[%d]", s)
	case FAILED:
		return fmt.Sprintf("FAILED[%d]", s)
	}

	return fmt.Sprintf("UNKNOWN[%d]", s)
}

type (
	// Result is the terminal product of a successful extraction.
	Result struct {
		OutputPath string
		Format     ffmpeg.OutputFormat
		SizeBytes  int64
		Checksum   string
		Duration   string
	}

	// StageProgress is a coarse live-progress snapshot exposed over the API
	// and the activity socket while a task runs.
	StageProgress struct {
		Stage      string  `json:"stage"`
		BytesDone  int64   `json:"bytes_done,omitempty"`
		BytesTotal int64   `json:"bytes_total,omitempty"`
		Percent    float64 `json:"percent,omitempty"`
	}

	// Task is one in-flight (or recently settled) extraction. Multiple API
	// requests may be joined to a single task; the waiter count tracks how
	// many are still interested, and the task's context is cancelled when
	// that count reaches zero.
	Task struct {
		mu sync.Mutex

		id        uuid.UUID
		key       ExtractionKey
		targetURL string
		format    ffmpeg.OutputFormat
		quality   string
		createdAt time.Time

		status       TaskStatus
		started      bool
		attempt      int
		waiters      int
		lastProgress *StageProgress

		result  *Result
		trouble *Trouble

		runCtx    context.Context
		cancelRun context.CancelFunc
		done      chan struct{}
	}
)

func newTask(key ExtractionKey, targetURL string, format ffmpeg.OutputFormat, quality string) *Task {
	runCtx, cancelRun := context.WithCancel(context.Background())

	return &Task{
		id:        uuid.New(),
		key:       key,
		targetURL: targetURL,
		format:    format,
		quality:   quality,
		createdAt: time.Now(),
		status:    PENDING,
		runCtx:    runCtx,
		cancelRun: cancelRun,
		done:      make(chan struct{}),
	}
}

func (task *Task) ID() uuid.UUID               { return task.id }
func (task *Task) Key() ExtractionKey          { return task.key }
func (task *Task) TargetURL() string           { return task.targetURL }
func (task *Task) Format() ffmpeg.OutputFormat { return task.format }
func (task *Task) Quality() string             { return task.quality }
func (task *Task) CreatedAt() time.Time        { return task.createdAt }

func (task *Task) Status() TaskStatus {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.status
}

func (task *Task) Attempt() int {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.attempt
}

// Result returns the terminal result, or nil if the task has not completed
// successfully.
func (task *Task) Result() *Result {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.result
}

// Trouble returns the classified failure, or nil if the task has not failed.
func (task *Task) Trouble() *Trouble {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.trouble
}

func (task *Task) LastProgress() *StageProgress {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.lastProgress
}

func (task *Task) setStatus(status TaskStatus) {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.status = status
}

func (task *Task) setProgress(progress StageProgress) {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.lastProgress = &progress
}

func (task *Task) complete(result *Result) {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.status == COMPLETED || task.status == FAILED {
		return
	}

	task.result = result
	task.status = COMPLETED
	close(task.done)
}

func (task *Task) fail(trouble *Trouble) {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.status == COMPLETED || task.status == FAILED {
		return
	}

	task.trouble = trouble
	task.status = FAILED
	close(task.done)
}

// start marks the task as claimed by a pipeline goroutine, returning false if
// it was already claimed.
func (task *Task) start() bool {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.started {
		return false
	}

	task.started = true
	return true
}

// join registers another interested caller and returns the current waiter count.
func (task *Task) join() int {
	task.mu.Lock()
	defer task.mu.Unlock()
	task.waiters++
	return task.waiters
}

// leave deregisters a caller. When the last waiter leaves an unfinished task,
// its run context is cancelled so the pipeline stops doing unwanted work.
func (task *Task) leave() {
	task.mu.Lock()
	task.waiters--
	abandoned := task.waiters <= 0 && task.result == nil && task.trouble == nil
	task.mu.Unlock()

	if abandoned {
		task.cancelRun()
	}
}

// Wait blocks until the task settles or the context provided is cancelled.
// A context cancellation detaches only this caller; the task itself keeps
// running as long as other callers remain joined.
func (task *Task) Wait(ctx context.Context) (*Result, *Trouble, error) {
	defer task.leave()

	select {
	case <-task.done:
		return task.Result(), task.Trouble(), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (task *Task) String() string {
	return fmt.Sprintf("Task{ID=%s Status=%s Attempt=%d}", task.id, task.Status(), task.Attempt())
}
