package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chatloop/internal/feed"
	"github.com/MrWong99/chatloop/internal/observe"
	"github.com/MrWong99/chatloop/pkg/chat"
	"github.com/MrWong99/chatloop/pkg/completion"
	"github.com/MrWong99/chatloop/pkg/runner"
	"github.com/MrWong99/chatloop/pkg/transcript"
)

// RunInfo holds metadata about an active conversation run.
type RunInfo struct {
	// RunID is the unique identifier for this run, also used as the
	// transcript conversation ID.
	RunID string

	// Prompt is the user prompt the run was started with.
	Prompt string

	// Streaming reports whether the run consumes streamed chunks.
	Streaming bool

	// StartedAt is when the run was started.
	StartedAt time.Time
}

// Run is one tracked conversation. It exposes the underlying runner for
// event subscriptions and final accessors, and Wait for full completion
// including transcript persistence.
type Run struct {
	info      RunInfo
	runner    *runner.Runner
	recording *transcript.Recording
	cancel    context.CancelFunc
}

// Info returns the run's metadata.
func (r *Run) Info() RunInfo { return r.info }

// Runner returns the underlying runner for event subscriptions and final
// accessors.
func (r *Run) Runner() *runner.Runner { return r.runner }

// Wait blocks until the run's loop has finished and, when transcript
// recording is enabled, its messages have been flushed to the store.
func (r *Run) Wait(ctx context.Context) error {
	err := r.runner.Done(ctx)
	if r.recording != nil {
		if werr := r.recording.Wait(ctx); err == nil {
			err = werr
		}
	}
	return err
}

// RunManagerConfig holds all dependencies for a [RunManager].
type RunManagerConfig struct {
	Service            completion.Service
	Model              string
	MaxChatCompletions int
	Functions          []runner.RunnableFunction

	// Feed and Recorder are optional; a nil value disables the concern.
	Feed     *feed.Feed
	Recorder *transcript.Recorder
}

// RunManager starts and tracks conversation runs. Any number of runs can be
// active concurrently. All exported methods are safe for concurrent use.
type RunManager struct {
	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup

	// Dependencies injected at construction.
	service  completion.Service
	model    string
	maxComps int
	fns      []runner.RunnableFunction
	feed     *feed.Feed
	recorder *transcript.Recorder
}

// NewRunManager creates a RunManager with the given dependencies.
func NewRunManager(cfg RunManagerConfig) *RunManager {
	return &RunManager{
		runs:     make(map[string]*Run),
		service:  cfg.Service,
		model:    cfg.Model,
		maxComps: cfg.MaxChatCompletions,
		fns:      cfg.Functions,
		feed:     cfg.Feed,
		recorder: cfg.Recorder,
	}
}

// Start begins a new conversation run for prompt, wiring the event feed and
// transcript recorder before the run emits its first event. The run proceeds
// in the background; use the returned Run to subscribe, await, or abort it.
func (m *RunManager) Start(ctx context.Context, prompt string, streaming bool) (*Run, error) {
	if prompt == "" {
		return nil, fmt.Errorf("run: prompt must not be empty")
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)

	params := chat.Params{
		Model:    m.model,
		Messages: []chat.Message{chat.UserMessage(prompt)},
	}

	var opts []runner.Option
	if m.maxComps > 0 {
		opts = append(opts, runner.WithMaxChatCompletions(m.maxComps))
	}

	var rn *runner.Runner
	if streaming {
		rn = &runner.RunToolsStream(runCtx, m.service, params, m.fns, opts...).Runner
	} else {
		rn = &runner.RunTools(runCtx, m.service, params, m.fns, opts...).Runner
	}

	run := &Run{
		info: RunInfo{
			RunID:     runID,
			Prompt:    prompt,
			Streaming: streaming,
			StartedAt: time.Now().UTC(),
		},
		runner: rn,
		cancel: cancel,
	}

	if m.feed != nil {
		m.feed.Attach(rn, runID)
	}
	if m.recorder != nil {
		run.recording = m.recorder.Attach(rn, runID, params.Messages...)
	}

	m.mu.Lock()
	m.runs[runID] = run
	m.mu.Unlock()

	m.wg.Add(1)
	observe.DefaultMetrics().ActiveRuns.Add(runCtx, 1)

	// Done resolves even when the loop finished before this point, unlike a
	// late end-event subscription, which the hub would drop.
	go func() {
		_ = rn.Done(context.Background())
		m.finish(run)
	}()

	slog.Info("run started",
		"run_id", runID,
		"streaming", streaming,
		"functions", len(m.fns),
	)

	return run, nil
}

// finish removes a completed run from tracking and releases its resources.
func (m *RunManager) finish(run *Run) {
	m.mu.Lock()
	delete(m.runs, run.info.RunID)
	m.mu.Unlock()

	if run.recording != nil {
		// Covers runs that ended before the recorder's listener registered.
		run.recording.Flush()
	}
	run.cancel()
	observe.DefaultMetrics().ActiveRuns.Add(context.Background(), -1)
	m.wg.Done()

	slog.Info("run finished",
		"run_id", run.info.RunID,
		"state", run.runner.State(),
		"duration", time.Since(run.info.StartedAt).Round(time.Millisecond),
	)
}

// Get returns the tracked run with the given ID, or nil when no such run is
// active.
func (m *RunManager) Get(runID string) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// Abort aborts the run with the given ID. Returns an error when no such run
// is active.
func (m *RunManager) Abort(runID string) error {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run: no active run with id %q", runID)
	}
	run.runner.Abort()
	return nil
}

// AbortAll aborts every active run.
func (m *RunManager) AbortAll() {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		run.runner.Abort()
	}
}

// Drain blocks until every active run has finished or ctx is cancelled.
func (m *RunManager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run: drain: %w", ctx.Err())
	}
}

// ActiveCount returns the number of currently tracked runs.
func (m *RunManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Infos returns metadata for every active run.
func (m *RunManager) Infos() []RunInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]RunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		infos = append(infos, run.info)
	}
	return infos
}
