package worker

import (
	"context"
	"sync"
	"time"

	"github.com/storycast/storycast/pkg/logging"
)

// Job status values reported by Status()
const (
	StatusOnQueue = "on_queue"
	StatusRunning = "running"
)

// Job is one unit of background work. Run must honor ctx cancellation: a
// replacement submission under the same id cancels the context and the
// scheduler joins the goroutine before starting the successor.
type Job struct {
	ID  string
	Run func(ctx context.Context)
}

// Metrics receives scheduler lifecycle hooks; wired to Prometheus in the
// server, nil-safe no-op otherwise.
type Metrics interface {
	JobQueued()
	JobStarted()
	JobFinished()
}

// runningJob is the handle kept for an admitted job
type runningJob struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Worker runs jobs with bounded parallelism, FIFO fairness among waiting jobs
// and replace-by-id submission. It retains no history: finished ids simply
// disappear from Status().
type Worker struct {
	mu          sync.Mutex
	waiting     map[string]Job
	order       []string
	running     map[string]*runningJob
	maxParallel int
	poll        time.Duration
	stopCh      chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
	logger      *logging.Logger
	metrics     Metrics
	tracker     *Tracker
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the worker logger
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics sets the scheduler metrics hooks
func WithMetrics(m Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a stopped worker; call Start to begin admission
func New(maxParallel int, poll time.Duration, opts ...Option) *Worker {
	if maxParallel <= 0 {
		maxParallel = 3
	}
	if poll <= 0 {
		poll = time.Second
	}
	w := &Worker{
		waiting:     make(map[string]Job),
		running:     make(map[string]*runningJob),
		maxParallel: maxParallel,
		poll:        poll,
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
		logger:      logging.NewLogger(logging.INFO, false),
		tracker:     NewTracker(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Tracker returns the per-job progress feed registry owned by this worker
func (w *Worker) Tracker() *Tracker {
	return w.tracker
}

// Submit enqueues a job. It never blocks the caller. A waiting job with the
// same id is replaced and moves to the back of the queue, as if the user had
// re-requested; a running job with the same id has its context cancelled now
// and is joined by the admission loop before the replacement starts.
func (w *Worker) Submit(job Job) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, alreadyWaiting := w.waiting[job.ID]
	if alreadyWaiting {
		w.removeFromOrder(job.ID)
		w.logger.Info("replacing queued job", map[string]interface{}{"job_id": job.ID})
	}
	if old, ok := w.running[job.ID]; ok {
		// begin winding the old execution down; admission joins it
		old.cancel()
		w.logger.Info("evicting running job for replacement", map[string]interface{}{"job_id": job.ID})
	}
	w.waiting[job.ID] = job
	w.order = append(w.order, job.ID)
	if w.metrics != nil && !alreadyWaiting {
		w.metrics.JobQueued()
	}
}

// Status returns every tracked job id mapped to on_queue or running
func (w *Worker) Status() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := make(map[string]string, len(w.waiting)+len(w.running))
	for id := range w.waiting {
		status[id] = StatusOnQueue
	}
	for id := range w.running {
		status[id] = StatusRunning
	}
	return status
}

// Start launches the scheduler goroutine
func (w *Worker) Start() {
	w.logger.Info("worker started", map[string]interface{}{
		"max_parallel":  w.maxParallel,
		"poll_interval": w.poll.String(),
	})
	go w.run()
}

// Stop ends the admission loop. Running jobs are not cancelled; callers that
// need a full teardown cancel their own job contexts.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.stopped
	w.logger.Info("worker stopped", nil)
}

// run is the scheduler loop: reap finished jobs, admit from the queue while
// slots are free, then sleep one poll interval.
func (w *Worker) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		w.reapFinished()
		for w.startNextJob() {
		}
		select {
		case <-ticker.C:
		case <-w.stopCh:
			return
		}
	}
}

// reapFinished joins and removes running jobs whose goroutine has exited
func (w *Worker) reapFinished() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, rj := range w.running {
		select {
		case <-rj.done:
			delete(w.running, id)
			w.tracker.Remove(id)
			if w.metrics != nil {
				w.metrics.JobFinished()
			}
			w.logger.Debug("reaped finished job", map[string]interface{}{"job_id": id})
		default:
		}
	}
}

// startNextJob admits the oldest waiting job when a slot is free. Returns
// true when a job was started so the loop can drain the queue in one pass.
func (w *Worker) startNextJob() bool {
	w.mu.Lock()
	if len(w.order) == 0 || len(w.running) >= w.maxParallel {
		w.mu.Unlock()
		return false
	}

	id := w.order[0]
	w.order = w.order[1:]
	job, ok := w.waiting[id]
	if !ok {
		// stale order entry left by a replacement
		w.mu.Unlock()
		return true
	}

	if old, running := w.running[id]; running {
		// same id still executing: terminate it and join outside the lock
		old.cancel()
		delete(w.running, id)
		w.mu.Unlock()
		<-old.done
		w.mu.Lock()
		w.tracker.Remove(id)
		if w.metrics != nil {
			w.metrics.JobFinished()
		}
		// a Submit may have replaced the waiting entry while the join was
		// pending; re-read so the newest submission wins
		job, ok = w.waiting[id]
		if !ok {
			w.mu.Unlock()
			return true
		}
	}

	delete(w.waiting, id)
	ctx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{job: job, cancel: cancel, done: make(chan struct{})}
	w.running[id] = rj
	w.tracker.Register(id)
	if w.metrics != nil {
		w.metrics.JobStarted()
	}
	w.mu.Unlock()

	w.logger.Info("job started", map[string]interface{}{"job_id": id})
	go w.execute(ctx, rj)
	return true
}

// execute runs one job goroutine. A panic is contained here so the reaper
// never sees a crashed join; the job simply terminates.
func (w *Worker) execute(ctx context.Context, rj *runningJob) {
	defer close(rj.done)
	defer rj.cancel()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", map[string]interface{}{
				"job_id": rj.job.ID,
				"panic":  r,
			})
		}
	}()
	rj.job.Run(ctx)
}

func (w *Worker) removeFromOrder(id string) {
	for i, queued := range w.order {
		if queued == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			return
		}
	}
}
