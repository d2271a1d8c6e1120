package allocator

import (
	"context"
	"errors"
	"fmt"

	"github.com/janog-netcon/netcon-score-server/internal/gateway"
	pkgerrors "github.com/janog-netcon/netcon-score-server/pkg/errors"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Operation names, also used as notification event names.
const (
	OpAcquire      = "AcquireProblemEnvironment"
	OpAbandon      = "AbandonProblemEnvironment"
	OpBeginScoring = "AddAnswer"
	OpApplyScore   = "ApplyScore"
)

// Mode selects the allocation strategy.
type Mode string

const (
	// ModePool claims pre-provisioned environments from a ready pool.
	ModePool Mode = "pool"
	// ModeOnDemand creates an environment per request through the gateway.
	ModeOnDemand Mode = "ondemand"
)

// Gateway is the provisioning service the engine reconciles against.
// Create/delete calls are slow network operations and are never made while a
// database transaction is open.
type Gateway interface {
	CreateEnvironment(ctx context.Context, problemCode string) (*gateway.Environment, error)
	DeleteEnvironment(ctx context.Context, name string) error
}

// Notifier receives fire-and-forget events after a successful transition.
// Never invoked inside a transaction.
type Notifier interface {
	Notify(ctx context.Context, operation string, records []models.ProblemEnvironment)
}

// Authorizer is consulted before any state mutation. A deny aborts the
// operation before any lock is taken.
type Authorizer interface {
	Permit(operation string, team *models.Team, problem *models.Problem) error
}

// Options configures an Engine. DB and Gateway are mandatory; everything
// else has a usable default.
type Options struct {
	DB         *gorm.DB
	Gateway    Gateway
	Notifier   Notifier
	Authorizer Authorizer
	Logger     *zap.SugaredLogger

	Mode       Mode
	Vocabulary models.Vocabulary // zero value derives from Mode

	// LocalProblemCodes bypass environment allocation entirely. Injected at
	// construction; the engine never reads ambient configuration.
	LocalProblemCodes []string

	// MaxAttempts bounds the retry loop around each transaction when a lock
	// conflict occurs (default: 3).
	MaxAttempts int

	// GlobalAssignmentScope widens the already-assigned check from "this
	// team and this problem" to "this team, any problem". A deliberate
	// policy choice, off by default.
	GlobalAssignmentScope bool

	// Services lists the service records created per on-demand instance
	// (default: SSH only).
	Services []string

	// ServicesFor resolves the service list for a problem code, usually
	// backed by the problem catalog. Optional; Services is the fallback
	// when nil or when it returns nothing.
	ServicesFor func(problemCode string) []string
}

// Engine implements the environment-allocation state machine: Acquire,
// Abandon, BeginScoring and score-driven release as transactional state
// transitions over the environment table, with best-effort reconciliation
// against the provisioning gateway.
type Engine struct {
	db       *gorm.DB
	gw       Gateway
	notifier Notifier
	auth     Authorizer
	l        *zap.SugaredLogger

	mode        Mode
	vocab       models.Vocabulary
	locals      map[string]struct{}
	maxAttempts int
	globalScope bool
	services    []string
	servicesFor func(problemCode string) []string
}

func New(opts Options) *Engine {
	vocab := opts.Vocabulary
	if vocab.Assigned == "" {
		if opts.Mode == ModeOnDemand {
			vocab = models.FleetVocabulary
		} else {
			vocab = models.ChallengeVocabulary
		}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	auth := opts.Authorizer
	if auth == nil {
		auth = RoleAuthorizer{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	services := opts.Services
	if len(services) == 0 {
		services = []string{"SSH"}
	}
	locals := make(map[string]struct{}, len(opts.LocalProblemCodes))
	for _, code := range opts.LocalProblemCodes {
		locals[code] = struct{}{}
	}
	return &Engine{
		db:          opts.DB,
		gw:          opts.Gateway,
		notifier:    notifier,
		auth:        auth,
		l:           logger,
		mode:        opts.Mode,
		vocab:       vocab,
		locals:      locals,
		maxAttempts: maxAttempts,
		globalScope: opts.GlobalAssignmentScope,
		services:    services,
		servicesFor: opts.ServicesFor,
	}
}

// servicesOf returns the service names an instance of the problem exposes.
func (e *Engine) servicesOf(problem *models.Problem) []string {
	if e.servicesFor != nil {
		if svcs := e.servicesFor(problem.Code); len(svcs) > 0 {
			return svcs
		}
	}
	return e.services
}

// Vocabulary returns the label set the engine operates with.
func (e *Engine) Vocabulary() models.Vocabulary { return e.vocab }

// Local reports whether the problem bypasses environment allocation.
func (e *Engine) Local(problem *models.Problem) bool {
	if problem.Local {
		return true
	}
	_, ok := e.locals[problem.Code]
	return ok
}

// assignmentScope returns the problem id the already-assigned check is keyed
// by, or "" for a team-global check.
func (e *Engine) assignmentScope(problemID string) string {
	if e.globalScope {
		return ""
	}
	return problemID
}

// withRetry runs fn up to the attempt bound, retrying only on transaction
// lock conflicts. A conflict that survives every attempt is reclassified as
// a capacity error: the caller raced with other requests and lost.
func (e *Engine) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		conflict, pattern := pkgerrors.IsLockConflict(err)
		if !conflict {
			return err
		}
		e.l.Warnf("transaction lock conflict (%s), attempt %d/%d", pattern, attempt, e.maxAttempts)
	}
	return fmt.Errorf("%w: lock conflict persisted after %d attempts: %v", ErrNoEnvironmentAvailable, e.maxAttempts, err)
}

// Acquire claims an environment for the team. Pool mode claims the
// earliest-created idle instance; on-demand mode creates one through the
// gateway first and validates ownership in a short transaction afterwards.
// Exactly one of any number of concurrent calls for the same team and
// problem succeeds.
func (e *Engine) Acquire(ctx context.Context, problemID, teamID string, silent bool) ([]models.ProblemEnvironment, error) {
	problem, err := models.FindProblem(e.db, problemID)
	if err != nil {
		return nil, err
	}
	team, err := models.FindTeam(e.db, teamID)
	if err != nil {
		return nil, err
	}
	if err := e.auth.Permit(OpAcquire, team, problem); err != nil {
		return nil, err
	}
	if e.Local(problem) {
		return nil, nil
	}

	// Advisory pre-check outside any lock. Narrows the race window; the
	// re-check inside the transaction is the actual safety boundary.
	assigned, err := models.TeamHasAssigned(e.db, e.assignmentScope(problemID), teamID)
	if err != nil {
		return nil, err
	}
	if assigned {
		return nil, ErrAlreadyAssigned
	}

	var claimed []models.ProblemEnvironment
	if e.mode == ModeOnDemand {
		claimed, err = e.acquireOnDemand(ctx, problem, team)
	} else {
		claimed, err = e.acquireFromPool(ctx, problem, team)
	}
	if err != nil {
		return nil, err
	}

	if !silent {
		e.notifier.Notify(ctx, OpAcquire, claimed)
	}
	return claimed, nil
}

func (e *Engine) acquireFromPool(ctx context.Context, problem *models.Problem, team *models.Team) ([]models.ProblemEnvironment, error) {
	var claimed []models.ProblemEnvironment
	err := e.withRetry(func() error {
		claimed = nil
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pes, err := models.LockAvailableEnvironments(tx, problem.ID, e.vocab)
			if err != nil {
				return err
			}

			// Re-check under the lock: a racing request from the same team
			// that committed first is visible here.
			assigned, err := models.TeamHasAssigned(tx, e.assignmentScope(problem.ID), team.ID)
			if err != nil {
				return err
			}
			if assigned {
				return ErrAlreadyAssigned
			}

			if len(pes) == 0 {
				return ErrNoEnvironmentAvailable
			}

			// Claim every record sharing the earliest-created name: they are
			// facets of one physical instance.
			name := pes[0].Name
			group := make([]models.ProblemEnvironment, 0, len(pes))
			for _, pe := range pes {
				if pe.Name == name {
					group = append(group, pe)
				}
			}
			if err := models.UpdateStatus(tx, group, e.vocab.Assigned, &team.ID); err != nil {
				return err
			}
			claimed = group
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (e *Engine) acquireOnDemand(ctx context.Context, problem *models.Problem, team *models.Team) ([]models.ProblemEnvironment, error) {
	// Phase one, unlocked: ask the gateway for a fresh instance. This can
	// take arbitrary time and must not happen inside a transaction.
	env, err := e.gw.CreateEnvironment(ctx, problem.Code)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrNoCapacity):
			return nil, fmt.Errorf("%w: %v", ErrNoEnvironmentAvailable, err)
		case errors.Is(err, gateway.ErrUnknownProblem):
			return nil, fmt.Errorf("%w: problem %s not registered for provisioning", models.ErrNotFound, problem.Code)
		default:
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}

	// Phase two, locked: re-validate ownership and persist. Kept short; the
	// gateway round trip is already behind us.
	services := e.servicesOf(problem)
	var created []models.ProblemEnvironment
	err = e.withRetry(func() error {
		created = nil
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			assigned, err := models.TeamHasAssigned(tx, e.assignmentScope(problem.ID), team.ID)
			if err != nil {
				return err
			}
			if assigned {
				return ErrAlreadyAssigned
			}
			for _, service := range services {
				pe := models.ProblemEnvironment{
					ProblemID: problem.ID,
					TeamID:    &team.ID,
					Name:      env.Name,
					Service:   service,
					Status:    e.vocab.Assigned,
					Host:      env.Host,
					Port:      env.Port,
					User:      env.User,
					Password:  env.Password,
				}
				if err := models.CreateEnvironment(tx, &pe); err != nil {
					return err
				}
				created = append(created, pe)
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyAssigned) {
			// Lost the race: another request for this team committed while
			// the gateway was provisioning. Compensate with a best-effort
			// delete of the instance just created.
			if delErr := e.gw.DeleteEnvironment(ctx, env.Name); delErr != nil {
				e.l.Errorf("compensating delete of instance %s failed: %v", env.Name, delErr)
			}
		}
		return nil, err
	}
	return created, nil
}

// Abandon releases the team's assigned environment for the problem and asks
// the gateway to destroy the physical instance. The logical release is
// authoritative; a failed gateway delete is logged and left to the sweeper.
func (e *Engine) Abandon(ctx context.Context, problemID, teamID string, silent bool) ([]models.ProblemEnvironment, error) {
	problem, err := models.FindProblem(e.db, problemID)
	if err != nil {
		return nil, err
	}
	team, err := models.FindTeam(e.db, teamID)
	if err != nil {
		return nil, err
	}
	if err := e.auth.Permit(OpAbandon, team, problem); err != nil {
		return nil, err
	}

	released, name, err := e.release(ctx, problem.ID, team.ID, e.vocab.Assigned, e.vocab.Released, false)
	if err != nil {
		return nil, err
	}

	e.teardown(ctx, name)

	if !silent {
		e.notifier.Notify(ctx, OpAbandon, released)
	}
	return released, nil
}

// BeginScoring moves the team's assigned environment to the scoring state.
// Invoked when an answer is submitted; local problems never reach here.
func (e *Engine) BeginScoring(ctx context.Context, problemID, teamID string, silent bool) ([]models.ProblemEnvironment, error) {
	problem, err := models.FindProblem(e.db, problemID)
	if err != nil {
		return nil, err
	}
	team, err := models.FindTeam(e.db, teamID)
	if err != nil {
		return nil, err
	}
	if err := e.auth.Permit(OpBeginScoring, team, problem); err != nil {
		return nil, err
	}
	if e.Local(problem) {
		return nil, nil
	}

	scoring, _, err := e.release(ctx, problem.ID, team.ID, e.vocab.Assigned, e.vocab.Scoring, false)
	if err != nil {
		return nil, err
	}
	if !silent {
		e.notifier.Notify(ctx, OpBeginScoring, scoring)
	}
	return scoring, nil
}

// ReleaseOnScore finishes a scoring round. A perfect score releases the
// environment and destroys the instance; anything less hands it back to the
// team. Zero matching rows are tolerated: rescoring may happen long after
// the environment is gone.
func (e *Engine) ReleaseOnScore(ctx context.Context, problemID, teamID string, percent int) ([]models.ProblemEnvironment, error) {
	problem, err := models.FindProblem(e.db, problemID)
	if err != nil {
		return nil, err
	}

	target := e.vocab.Assigned
	if percent == 100 {
		target = e.vocab.Released
	}

	moved, name, err := e.release(ctx, problem.ID, teamID, e.vocab.Scoring, target, true)
	if err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		return nil, nil
	}

	if percent == 100 {
		e.teardown(ctx, name)
	}

	e.notifier.Notify(ctx, OpApplyScore, moved)
	return moved, nil
}

// release is the shared transition routine: lock the team's rows in `from`,
// verify they form one instance, move them to `to`. tolerateEmpty selects
// between failing with NotFound and returning an empty set.
func (e *Engine) release(ctx context.Context, problemID, teamID, from, to string, tolerateEmpty bool) ([]models.ProblemEnvironment, string, error) {
	var moved []models.ProblemEnvironment
	var name string
	err := e.withRetry(func() error {
		moved = nil
		name = ""
		return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			pes, err := models.LockEnvironments(tx, problemID, teamID, from)
			if err != nil {
				return err
			}
			if len(pes) == 0 {
				if tolerateEmpty {
					return nil
				}
				return fmt.Errorf("%w: no %s environment for problem %s and team %s", models.ErrNotFound, from, problemID, teamID)
			}
			n, ok := models.UniqueName(pes)
			if !ok {
				return fmt.Errorf("%w: team %s environments for problem %s in %s span multiple instance names", ErrIntegrity, teamID, problemID, from)
			}
			if err := models.UpdateStatus(tx, pes, to, nil); err != nil {
				return err
			}
			moved = pes
			name = n
			return nil
		})
	})
	if err != nil {
		return nil, "", err
	}
	return moved, name, nil
}

// teardown asks the gateway to destroy the instance after the logical
// release has committed. 404 counts as already deleted. Any failure is
// logged only; the sweeper retries uncleaned instances later.
func (e *Engine) teardown(ctx context.Context, name string) {
	if name == "" {
		return
	}
	if err := e.gw.DeleteEnvironment(ctx, name); err != nil {
		e.l.Errorf("gateway delete of instance %s failed, leaving to sweeper: %v", name, err)
		return
	}
	if err := models.MarkCleaned(e.db, name); err != nil {
		e.l.Errorf("marking instance %s cleaned failed: %v", name, err)
	}
}
