package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/interfaces"
	"github.com/ternarybob/brainrot/internal/models"
	"github.com/ternarybob/brainrot/internal/services/events"
	"github.com/ternarybob/brainrot/internal/worker"
)

// fakeMessenger records sends. Queued errors are returned by the first sends.
type fakeMessenger struct {
	mu      sync.Mutex
	sent    []models.OutboundMessage
	errs    []error
	always  error
	calls   int
	inbound chan models.InboundMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{inbound: make(chan models.InboundMessage, 16)}
}

func (f *fakeMessenger) Receive(ctx context.Context) (<-chan models.InboundMessage, error) {
	return f.inbound, nil
}

func (f *fakeMessenger) Send(ctx context.Context, msg models.OutboundMessage) (models.DeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.always != nil {
		return models.DeliveryReceipt{}, f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return models.DeliveryReceipt{}, err
	}
	f.sent = append(f.sent, msg)
	return models.DeliveryReceipt{MessageID: fmt.Sprintf("%d", len(f.sent)), Timestamp: time.Now()}, nil
}

func (f *fakeMessenger) Close() error { return nil }

func (f *fakeMessenger) Sent() []models.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeMessenger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeExecutor runs fn and counts invocations
type fakeExecutor struct {
	step  models.Step
	fn    func(ctx context.Context, job *models.Job) (models.Artifact, error)
	calls int32
}

func (f *fakeExecutor) Step() models.Step { return f.step }

func (f *fakeExecutor) Run(ctx context.Context, job *models.Job) (models.Artifact, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, job)
}

func (f *fakeExecutor) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

func defaultArtifact(step models.Step, job *models.Job) models.Artifact {
	switch step {
	case models.StepDownload:
		return &models.MediaArtifact{VideoPath: "/media/" + job.Link.URL + "/video.mp4", Title: "cat video"}
	case models.StepExtract:
		return &models.ExtractionArtifact{FramePaths: []string{"frame_001.jpg", "frame_002.jpg"}}
	case models.StepTranscribe:
		return &models.TranscriptArtifact{Text: "oh no the glass"}
	case models.StepSummarize:
		return &models.SummaryArtifact{Narrative: "A cat knocks a glass off a table.", Sentiment: "chaotic", BrainrotLevel: 8}
	}
	return nil
}

type harnessOptions struct {
	maxHeavy  int
	workers   int
	budget    time.Duration
	retention time.Duration
	window    time.Duration
	policy    RetryPolicy
	timeout   time.Duration

	// per-step concurrency limits, zero means unlimited
	concurrency map[models.Step]int
	clock       func() time.Time
}

type harness struct {
	coordinator *Coordinator
	store       *JobStore
	dispatcher  *Dispatcher
	messenger   *fakeMessenger
	listener    *Listener
	executors   map[models.Step]*fakeExecutor

	mu     sync.Mutex
	done   map[string]chan struct{}
	stages map[string][]models.Stage
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.maxHeavy == 0 {
		opts.maxHeavy = 2
	}
	if opts.workers == 0 {
		opts.workers = 4
	}
	if opts.retention == 0 {
		opts.retention = time.Minute
	}
	if opts.window == 0 {
		opts.window = 10 * time.Minute
	}
	if opts.policy.MaxAttempts == 0 {
		opts.policy = RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, MaxDelay: 5 * time.Millisecond, Kind: BackoffExponential}
	}
	if opts.timeout == 0 {
		opts.timeout = 2 * time.Second
	}

	logger := arbor.NewLogger()

	settings := make(map[models.Step]StageSettings)
	for _, step := range models.AllSteps() {
		settings[step] = StageSettings{Timeout: opts.timeout, Policy: opts.policy, Concurrency: opts.concurrency[step]}
	}
	registry := NewRegistry(settings, logger)

	h := &harness{
		store:     NewJobStore(),
		messenger: newFakeMessenger(),
		executors: make(map[models.Step]*fakeExecutor),
		done:      make(map[string]chan struct{}),
		stages:    make(map[string][]models.Stage),
	}

	for _, step := range []models.Step{models.StepDownload, models.StepExtract, models.StepTranscribe, models.StepSummarize} {
		s := step
		exec := &fakeExecutor{step: s, fn: func(ctx context.Context, job *models.Job) (models.Artifact, error) {
			return defaultArtifact(s, job), nil
		}}
		h.executors[s] = exec
		registry.Register(exec)
	}

	h.dispatcher = NewDispatcher(h.messenger, DispatcherConfig{MaxLength: 3000, Quote: true}, logger)
	registry.Register(NewReplyStage(h.dispatcher))

	eventService := events.NewService(logger)
	h.subscribe(t, eventService)

	pool := worker.NewWorkerPool(logger, opts.workers)
	h.coordinator = NewCoordinator(
		h.store,
		NewDedupIndex(opts.window, DedupPerSender),
		registry,
		h.dispatcher,
		pool,
		eventService,
		nil,
		CoordinatorConfig{MaxHeavyJobs: opts.maxHeavy, JobBudget: opts.budget, Retention: opts.retention},
		logger,
	)
	if opts.clock != nil {
		h.coordinator.now = opts.clock
	}
	h.listener = NewListener(h.messenger, h.coordinator, nil, logger)

	h.coordinator.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.coordinator.Stop(ctx)
	})
	return h
}

func (h *harness) subscribe(t *testing.T, svc interfaces.EventService) {
	finished := func(ctx context.Context, event interfaces.Event) error {
		ev := event.Job
		close(h.doneChan(ev.JobID))
		return nil
	}
	changed := func(ctx context.Context, event interfaces.Event) error {
		ev := event.Job
		h.mu.Lock()
		h.stages[ev.JobID] = append(h.stages[ev.JobID], ev.Stage)
		h.mu.Unlock()
		return nil
	}
	_, err := svc.Subscribe(finished, interfaces.EventJobCompleted, interfaces.EventJobFailed)
	require.NoError(t, err)
	_, err = svc.Subscribe(changed, interfaces.EventJobStageChanged)
	require.NoError(t, err)
}

func (h *harness) doneChan(id string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.done[id]
	if !ok {
		ch = make(chan struct{})
		h.done[id] = ch
	}
	return ch
}

// waitFinished blocks until the job's completed or failed event was published
func (h *harness) waitFinished(t *testing.T, id string) *models.Job {
	t.Helper()
	select {
	case <-h.doneChan(id):
	case <-time.After(5 * time.Second):
		job, _ := h.store.Get(id)
		t.Fatalf("job %s did not finish, last state %+v", id, job)
	}
	job, err := h.store.Get(id)
	require.NoError(t, err)
	return job
}

func (h *harness) stagesOf(id string) []models.Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Stage, len(h.stages[id]))
	copy(out, h.stages[id])
	return out
}

func inbound(sender, messageID, text string) models.InboundMessage {
	return models.InboundMessage{SenderID: sender, MessageID: messageID, Text: text, Timestamp: time.Now()}
}
