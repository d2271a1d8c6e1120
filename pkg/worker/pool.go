package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/janog-netcon/netcon-score-server/internal/gateway"
	"github.com/janog-netcon/netcon-score-server/pkg/allocator"
	pkgerrors "github.com/janog-netcon/netcon-score-server/pkg/errors"
	"github.com/janog-netcon/netcon-score-server/pkg/metrics"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// maxRetries is the maximum number of retries for transient errors
	maxRetries = 3
)

// Pool manages a pool of provisioning workers. Workers keep gateway calls off
// the request path: replenish jobs refill the ready pool, teardown jobs
// delete instances whose logical release already committed.
type Pool struct {
	queue      *Queue
	db         *gorm.DB
	gw         allocator.Gateway
	vocab      models.Vocabulary
	services   []string
	logger     *zap.SugaredLogger
	numWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	DB         *gorm.DB
	Gateway    allocator.Gateway
	Vocabulary models.Vocabulary
	Services   []string
	Logger     *zap.SugaredLogger
}

// NewPool creates a new worker pool
func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4 // default
	}

	services := cfg.Services
	if len(services) == 0 {
		services = []string{"SSH"}
	}

	return &Pool{
		queue:      cfg.Queue,
		db:         cfg.DB,
		gw:         cfg.Gateway,
		vocab:      cfg.Vocabulary,
		services:   services,
		logger:     cfg.Logger,
		numWorkers: numWorkers,
	}
}

// Start launches the worker pool
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting worker pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop gracefully shuts down the worker pool
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// runWorker is the main loop for a single worker
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Infof("Worker %s started", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("Worker %s shutting down", workerID)
			return
		default:
		}

		// Try to get a job (Dequeue has 1s internal timeout)
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Infof("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No job available, loop again to check context
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			time.Sleep(1 * time.Second) // Back off on error
			continue
		}

		p.processJob(ctx, workerID, job)
	}
}

// jobTimeout is the maximum time a job can run before being cancelled
const jobTimeout = 2 * time.Minute

// processJob handles a single job
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Infof("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	var err error
	switch job.Type {
	case JobTypeReplenish:
		err = p.processReplenish(jobCtx, job)
	case JobTypeTeardown:
		err = p.processTeardown(jobCtx, job)
	default:
		p.logger.Errorf("Unknown job type: %s", job.Type)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		p.logger.Errorf("Worker %s: job %s timed out after %v", workerID, job.ID, jobTimeout)
		err = fmt.Errorf("job timed out after %v", jobTimeout)
	}

	if err != nil {
		if p.retryable(err) && job.Retries < maxRetries {
			p.logger.Warnf("Worker %s: transient error for job %s, requeueing: %v", workerID, job.ID, err)
			metrics.JobRetriesTotal.WithLabelValues(string(job.Type)).Inc()
			backoff := time.Duration(job.Retries+1) * 2 * time.Second
			time.Sleep(backoff)
			if requeueErr := p.queue.Requeue(ctx, workerID, job); requeueErr != nil {
				p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
			}
			return
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		metrics.JobPermanentFailuresTotal.WithLabelValues(string(job.Type)).Inc()
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// Success
	if err := p.queue.Complete(ctx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}

// retryable decides whether a failed job goes back on the queue. Gateway
// capacity exhaustion is not retried here; the reconciler re-requests the
// shortfall on its next tick.
func (p *Pool) retryable(err error) bool {
	if errors.Is(err, gateway.ErrNoCapacity) || errors.Is(err, gateway.ErrUnknownProblem) {
		return false
	}
	if errors.Is(err, gateway.ErrUnavailable) {
		return true
	}
	transient, _ := pkgerrors.IsTransientNetwork(err)
	return transient
}

// processReplenish provisions one instance and records it as ready. The
// gateway call runs first, unlocked; the insert is a plain create since the
// instance name is fresh and cannot conflict with a claim. The job carries
// the problem's service list; the pool default only covers jobs enqueued
// before services were recorded on the job.
func (p *Pool) processReplenish(ctx context.Context, job *Job) error {
	env, err := p.gw.CreateEnvironment(ctx, job.ProblemCode)
	if err != nil {
		return fmt.Errorf("provisioning %s: %w", job.ProblemCode, err)
	}

	services := job.Services
	if len(services) == 0 {
		services = p.services
	}
	for _, service := range services {
		pe := &models.ProblemEnvironment{
			ProblemID: job.ProblemID,
			Name:      env.Name,
			Service:   service,
			Status:    p.vocab.Idle,
			Host:      env.Host,
			Port:      env.Port,
			User:      env.User,
			Password:  env.Password,
		}
		if err := models.CreateEnvironment(p.db, pe); err != nil {
			// The instance exists on the gateway but could not be recorded.
			// Delete it rather than leak it; a later tick provisions again.
			if delErr := p.gw.DeleteEnvironment(ctx, env.Name); delErr != nil {
				p.logger.Errorf("Failed to delete orphaned instance %s: %v", env.Name, delErr)
			}
			return fmt.Errorf("recording instance %s: %w", env.Name, err)
		}
	}

	p.logger.Infof("Replenished %s with instance %s", job.ProblemCode, env.Name)
	return nil
}

// processTeardown deletes the instance on the gateway and marks the released
// rows cleaned. A 404 from the gateway counts as success.
func (p *Pool) processTeardown(ctx context.Context, job *Job) error {
	if err := p.gw.DeleteEnvironment(ctx, job.InstanceName); err != nil {
		return fmt.Errorf("deleting %s: %w", job.InstanceName, err)
	}

	if err := models.MarkCleaned(p.db, job.InstanceName); err != nil {
		return fmt.Errorf("marking %s cleaned: %w", job.InstanceName, err)
	}

	p.logger.Infof("Tore down instance %s", job.InstanceName)
	return nil
}
