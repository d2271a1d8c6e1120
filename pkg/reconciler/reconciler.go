package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/janog-netcon/netcon-score-server/pkg/catalog"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"github.com/janog-netcon/netcon-score-server/pkg/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Enqueuer is the job-queue surface the reconciler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *worker.Job) error
}

// Reconciler periodically compares the environment table against the desired
// state and enqueues the jobs that close the gap: replenish jobs when a
// problem's ready pool runs below its target depth, teardown jobs when
// released instances are still running on the gateway.
type Reconciler struct {
	db       *gorm.DB
	catalog  catalog.Cataloger
	queue    Enqueuer
	vocab    models.Vocabulary
	interval time.Duration
	// sweepAfter delays teardown sweeps so the engine's own best-effort
	// delete gets a chance to land first.
	sweepAfter time.Duration
	replenish  bool
	l          *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]pendingJob // job ID -> enqueue record, pruned after pendingTTL
}

type pendingJob struct {
	at        time.Time
	jobType   worker.JobType
	problemID string
}

// pendingTTL bounds how long an enqueued job suppresses a duplicate. Must
// exceed the worker's job timeout so a slow gateway call is not double-issued.
const pendingTTL = 5 * time.Minute

// Options configures a Reconciler.
type Options struct {
	DB         *gorm.DB
	Catalog    catalog.Cataloger
	Queue      Enqueuer
	Vocabulary models.Vocabulary
	Interval   time.Duration
	SweepAfter time.Duration
	// Replenish enables pool refilling. Off for on-demand deployments,
	// where instances are created per request.
	Replenish bool
	Logger    *zap.SugaredLogger
}

func New(opts Options) *Reconciler {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sweepAfter := opts.SweepAfter
	if sweepAfter <= 0 {
		sweepAfter = 1 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	return &Reconciler{
		db:         opts.DB,
		catalog:    opts.Catalog,
		queue:      opts.Queue,
		vocab:      opts.Vocabulary,
		interval:   interval,
		sweepAfter: sweepAfter,
		replenish:  opts.Replenish,
		l:          logger,
		pending:    make(map[string]pendingJob),
	}
}

// Start runs the reconciliation loop until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.l.Debug("starting reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.l.Debug("reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) {
	r.prunePending()
	if r.replenish {
		r.replenishPools(ctx)
	}
	r.sweepReleased(ctx)
}

func (r *Reconciler) replenishPools(ctx context.Context) {
	for _, prob := range r.catalog.GetAll() {
		if prob.Local || prob.PoolSize <= 0 {
			continue
		}

		record, err := models.FindProblemByCode(r.db, prob.Code)
		if err != nil {
			r.l.Warnf("Problem %s is in the catalog but not in the database, skipping", prob.Code)
			continue
		}

		idle, err := models.CountIdleInstances(r.db, record.ID, r.vocab)
		if err != nil {
			r.l.Errorf("Failed to count ready instances for %s: %v", prob.Code, err)
			continue
		}

		shortfall := prob.PoolSize - idle - r.pendingReplenish(record.ID)
		for i := 0; i < shortfall; i++ {
			job := worker.NewReplenishJob(record.ID, prob.Code, prob.Services, i)
			if err := r.queue.Enqueue(ctx, job); err != nil {
				r.l.Errorf("Failed to enqueue replenish job for %s: %v", prob.Code, err)
				break
			}
			r.markPending(job)
		}
		if shortfall > 0 {
			r.l.Infof("Requested %d instance(s) for %s (pool %d/%d)", shortfall, prob.Code, idle, prob.PoolSize)
		}
	}
}

func (r *Reconciler) sweepReleased(ctx context.Context) {
	cutoff := time.Now().Add(-r.sweepAfter)
	stale, err := models.FindUncleanedReleased(r.db, r.vocab, cutoff)
	if err != nil {
		r.l.Errorf("Failed to list uncleaned released instances: %v", err)
		return
	}

	seen := make(map[string]bool)
	for _, pe := range stale {
		if seen[pe.Name] {
			continue
		}
		seen[pe.Name] = true

		job := worker.NewTeardownJob(pe.ProblemID, pe.Name)
		if r.isPending(job.ID) {
			continue
		}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			r.l.Errorf("Failed to enqueue teardown job for %s: %v", pe.Name, err)
			continue
		}
		r.markPending(job)
		r.l.Infof("Sweeping released instance %s", pe.Name)
	}
}

func (r *Reconciler) markPending(job *worker.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[job.ID] = pendingJob{at: time.Now(), jobType: job.Type, problemID: job.ProblemID}
}

func (r *Reconciler) isPending(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[jobID]
	return ok
}

// pendingReplenish counts in-flight replenish jobs for a problem so a slow
// gateway does not cause the same shortfall to be requested twice.
func (r *Reconciler) pendingReplenish(problemID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, entry := range r.pending {
		if entry.jobType == worker.JobTypeReplenish && entry.problemID == problemID {
			count++
		}
	}
	return count
}

func (r *Reconciler) prunePending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, entry := range r.pending {
		if now.Sub(entry.at) > pendingTTL {
			delete(r.pending, id)
		}
	}
}
