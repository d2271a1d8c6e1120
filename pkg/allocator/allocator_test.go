package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/janog-netcon/netcon-score-server/internal/gateway"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ---------------------------------------------------------------------------
// Mock Gateway
// ---------------------------------------------------------------------------

type mockGateway struct {
	mu          sync.Mutex
	createCalls []string
	deleteCalls []string

	createFn func(ctx context.Context, problemCode string) (*gateway.Environment, error)
	deleteFn func(ctx context.Context, name string) error

	seq int
}

func (m *mockGateway) CreateEnvironment(ctx context.Context, problemCode string) (*gateway.Environment, error) {
	m.mu.Lock()
	m.createCalls = append(m.createCalls, problemCode)
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, problemCode)
	}
	return &gateway.Environment{
		Host:     "10.0.0.5",
		User:     "admin",
		Password: "hunter2",
		Name:     fmt.Sprintf("env-%04d", seq),
		Port:     22,
	}, nil
}

func (m *mockGateway) DeleteEnvironment(ctx context.Context, name string) error {
	m.mu.Lock()
	m.deleteCalls = append(m.deleteCalls, name)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, name)
	}
	return nil
}

var _ Gateway = (*mockGateway)(nil)

// ---------------------------------------------------------------------------
// Mock Notifier
// ---------------------------------------------------------------------------

type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *mockNotifier) Notify(ctx context.Context, operation string, records []models.ProblemEnvironment) {
	m.mu.Lock()
	m.events = append(m.events, operation)
	m.mu.Unlock()
}

var _ Notifier = (*mockNotifier)(nil)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:?_busy_timeout=5000"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.Team{}, &models.Problem{}, &models.ProblemEnvironment{}))
	return db
}

func createTeam(t *testing.T, db *gorm.DB, name, role string) *models.Team {
	t.Helper()
	team := &models.Team{Name: name, Role: role}
	require.NoError(t, db.Create(team).Error)
	return team
}

func createProblem(t *testing.T, db *gorm.DB, code string, local bool) *models.Problem {
	t.Helper()
	problem := &models.Problem{Code: code, Title: "Problem " + code, Local: local}
	require.NoError(t, db.Create(problem).Error)
	return problem
}

func seedEnvironment(t *testing.T, db *gorm.DB, problem *models.Problem, name, service, status string, age time.Duration) *models.ProblemEnvironment {
	t.Helper()
	pe := &models.ProblemEnvironment{
		ProblemID: problem.ID,
		Name:      name,
		Service:   service,
		Status:    status,
		Host:      name + ".challenge.local",
		Port:      22,
		User:      "admin",
		Password:  "password",
		CreatedAt: time.Now().Add(-age),
	}
	require.NoError(t, db.Create(pe).Error)
	return pe
}

func newPoolEngine(t *testing.T, db *gorm.DB, gw Gateway, notifier Notifier) *Engine {
	t.Helper()
	if gw == nil {
		gw = &mockGateway{}
	}
	return New(Options{
		DB:       db,
		Gateway:  gw,
		Notifier: notifier,
		Mode:     ModePool,
		Logger:   zap.NewNop().Sugar(),
	})
}

func envsFor(t *testing.T, db *gorm.DB, problemID, teamID string) []models.ProblemEnvironment {
	t.Helper()
	var pes []models.ProblemEnvironment
	require.NoError(t, db.Where("problem_id = ? AND team_id = ? AND status IN ?", problemID, teamID, models.InUseStatuses).Find(&pes).Error)
	return pes
}

// ---------------------------------------------------------------------------
// Acquire: pool mode
// ---------------------------------------------------------------------------

func TestAcquire_Pool_ClaimsOldestInstanceGroup(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)

	// srv-1 is older and exposes two services; both records must be claimed.
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", 2*time.Hour)
	seedEnvironment(t, db, problem, "srv-1", "HTTPS", "READY", 2*time.Hour)
	seedEnvironment(t, db, problem, "srv-2", "SSH", "READY", 1*time.Hour)

	engine := newPoolEngine(t, db, nil, nil)
	claimed, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, pe := range claimed {
		assert.Equal(t, "srv-1", pe.Name)
		assert.Equal(t, "UNDER_CHALLENGE", pe.Status)
		require.NotNil(t, pe.TeamID)
		assert.Equal(t, team.ID, *pe.TeamID)
	}

	// srv-2 stays idle.
	var srv2 models.ProblemEnvironment
	require.NoError(t, db.Where("name = ?", "srv-2").First(&srv2).Error)
	assert.Equal(t, "READY", srv2.Status)
	assert.Nil(t, srv2.TeamID)
}

func TestAcquire_ProblemNotFound(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.Acquire(context.Background(), "no-such-problem", team.ID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAcquire_LocalProblemBypass(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "LOCAL-1", true)

	notifier := &mockNotifier{}
	engine := newPoolEngine(t, db, nil, notifier)
	claimed, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.Empty(t, notifier.events, "bypass must not notify")
}

func TestAcquire_LocalProblemCodeBypass(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "ONSITE-1", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	engine := New(Options{
		DB:                db,
		Gateway:           &mockGateway{},
		Mode:              ModePool,
		LocalProblemCodes: []string{"ONSITE-1"},
		Logger:            zap.NewNop().Sugar(),
	})
	claimed, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// No allocation happened.
	var pe models.ProblemEnvironment
	require.NoError(t, db.Where("name = ?", "srv-1").First(&pe).Error)
	assert.Equal(t, "READY", pe.Status)
}

func TestAcquire_AlreadyAssigned(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", 2*time.Hour)
	seedEnvironment(t, db, problem, "srv-2", "SSH", "READY", time.Hour)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)

	_, err = engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	// Still exactly one instance held.
	pes := envsFor(t, db, problem.ID, team.ID)
	names := map[string]bool{}
	for _, pe := range pes {
		names[pe.Name] = true
	}
	assert.Len(t, names, 1)
}

func TestAcquire_PoolExhausted(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrNoEnvironmentAvailable)
}

func TestAcquire_AudienceDenied(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "guests", models.RoleAudience)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAcquire_Concurrent_MutualExclusion(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	for i := 0; i < 3; i++ {
		seedEnvironment(t, db, problem, fmt.Sprintf("srv-%d", i), "SSH", "READY", time.Duration(3-i)*time.Hour)
	}

	engine := newPoolEngine(t, db, nil, nil)

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := engine.Acquire(context.Background(), problem.ID, team.ID, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyAssigned):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)

	pes := envsFor(t, db, problem.ID, team.ID)
	assert.Len(t, pes, 1, "exactly one environment row assigned to the team")
}

func TestAcquire_Concurrent_DisjointClaims(t *testing.T) {
	db := newTestDB(t)
	problem := createProblem(t, db, "NET-101", false)
	const k = 3
	for i := 0; i < k; i++ {
		seedEnvironment(t, db, problem, fmt.Sprintf("srv-%d", i), "SSH", "READY", time.Duration(k-i)*time.Hour)
	}
	teams := make([]*models.Team, k)
	for i := range teams {
		teams[i] = createTeam(t, db, fmt.Sprintf("team%d", i), models.RolePlayer)
	}

	engine := newPoolEngine(t, db, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedNames := map[string]string{}

	start := make(chan struct{})
	for _, team := range teams {
		wg.Add(1)
		go func(team *models.Team) {
			defer wg.Done()
			<-start
			pes, err := engine.Acquire(context.Background(), problem.ID, team.ID, true)
			if err != nil {
				t.Errorf("team %s: %v", team.Name, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimedNames[pes[0].Name]; dup {
				t.Errorf("instance %s claimed by both %s and %s", pes[0].Name, prev, team.Name)
			}
			claimedNames[pes[0].Name] = team.Name
		}(team)
	}
	close(start)
	wg.Wait()

	assert.Len(t, claimedNames, k, "every team got a distinct instance")
}

// ---------------------------------------------------------------------------
// Acquire: on-demand mode
// ---------------------------------------------------------------------------

func newOnDemandEngine(t *testing.T, db *gorm.DB, gw Gateway, services ...string) *Engine {
	t.Helper()
	return New(Options{
		DB:       db,
		Gateway:  gw,
		Mode:     ModeOnDemand,
		Services: services,
		Logger:   zap.NewNop().Sugar(),
	})
}

func TestAcquire_OnDemand_Success(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-202", false)

	gw := &mockGateway{}
	engine := newOnDemandEngine(t, db, gw, "SSH", "HTTPS")
	created, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, pe := range created {
		assert.Equal(t, "RUNNING_IN_USE", pe.Status)
		assert.Equal(t, "10.0.0.5", pe.Host)
		assert.Equal(t, 22, pe.Port)
		require.NotNil(t, pe.TeamID)
		assert.Equal(t, team.ID, *pe.TeamID)
	}
	assert.Equal(t, []string{"NET-202"}, gw.createCalls)
	assert.Empty(t, gw.deleteCalls)
}

func TestAcquire_OnDemand_ServicesResolvedPerProblem(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-202", false)

	gw := &mockGateway{}
	engine := New(Options{
		DB:      db,
		Gateway: gw,
		Mode:    ModeOnDemand,
		Logger:  zap.NewNop().Sugar(),
		ServicesFor: func(code string) []string {
			require.Equal(t, "NET-202", code)
			return []string{"SSH", "HTTPS", "TELNET"}
		},
	})
	created, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	require.Len(t, created, 3)
	services := make([]string, 0, len(created))
	for _, pe := range created {
		services = append(services, pe.Service)
	}
	assert.ElementsMatch(t, []string{"SSH", "HTTPS", "TELNET"}, services)
}

func TestAcquire_OnDemand_NoCapacity(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-202", false)

	gw := &mockGateway{
		createFn: func(ctx context.Context, code string) (*gateway.Environment, error) {
			return nil, gateway.ErrNoCapacity
		},
	}
	engine := newOnDemandEngine(t, db, gw)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrNoEnvironmentAvailable)

	var count int64
	require.NoError(t, db.Model(&models.ProblemEnvironment{}).Count(&count).Error)
	assert.Zero(t, count, "no row created when the gateway has no capacity")
}

func TestAcquire_OnDemand_UnknownProblem(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-999", false)

	gw := &mockGateway{
		createFn: func(ctx context.Context, code string) (*gateway.Environment, error) {
			return nil, gateway.ErrUnknownProblem
		},
	}
	engine := newOnDemandEngine(t, db, gw)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAcquire_OnDemand_GatewayDown(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-202", false)

	gw := &mockGateway{
		createFn: func(ctx context.Context, code string) (*gateway.Environment, error) {
			return nil, fmt.Errorf("%w: connection refused", gateway.ErrUnavailable)
		},
	}
	engine := newOnDemandEngine(t, db, gw)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)

	var count int64
	require.NoError(t, db.Model(&models.ProblemEnvironment{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAcquire_OnDemand_LostRace_CompensatingDelete(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-202", false)

	// While the gateway is provisioning, a racing request from the same team
	// commits. The re-validation inside the short transaction must detect it
	// and the instance just created must be deleted again.
	gw := &mockGateway{}
	gw.createFn = func(ctx context.Context, code string) (*gateway.Environment, error) {
		racing := seedEnvironment(t, db, problem, "env-race", "SSH", "RUNNING_IN_USE", 0)
		require.NoError(t, db.Model(racing).Update("team_id", team.ID).Error)
		return &gateway.Environment{Host: "10.0.0.9", User: "admin", Password: "pw", Name: "env-late", Port: 22}, nil
	}

	engine := newOnDemandEngine(t, db, gw)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.Equal(t, []string{"env-late"}, gw.deleteCalls, "compensating delete for the instance just created")

	pes := envsFor(t, db, problem.ID, team.ID)
	require.Len(t, pes, 1)
	assert.Equal(t, "env-race", pes[0].Name, "only the racing winner's row remains")
}

// ---------------------------------------------------------------------------
// Abandon
// ---------------------------------------------------------------------------

func TestAbandon_Success(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", 2*time.Hour)
	seedEnvironment(t, db, problem, "srv-1", "HTTPS", "READY", 2*time.Hour)

	gw := &mockGateway{}
	engine := newPoolEngine(t, db, gw, nil)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)

	released, err := engine.Abandon(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	require.Len(t, released, 2)
	for _, pe := range released {
		assert.Equal(t, "ABANDONED", pe.Status)
	}
	assert.Equal(t, []string{"srv-1"}, gw.deleteCalls)

	// Gateway confirmed deletion, so the records are marked cleaned.
	var pes []models.ProblemEnvironment
	require.NoError(t, db.Where("name = ?", "srv-1").Find(&pes).Error)
	for _, pe := range pes {
		assert.NotNil(t, pe.CleanedAt)
	}
}

func TestAbandon_NothingHeld(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.Abandon(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, models.ErrNotFound)

	var pe models.ProblemEnvironment
	require.NoError(t, db.Where("name = ?", "srv-1").First(&pe).Error)
	assert.Equal(t, "READY", pe.Status, "no row mutated")
}

func TestAbandon_IntegrityViolation(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)

	// Two in-use instances for one team and problem should be impossible;
	// if it happens it is corruption, not a user error.
	for _, name := range []string{"srv-1", "srv-2"} {
		pe := seedEnvironment(t, db, problem, name, "SSH", "UNDER_CHALLENGE", time.Hour)
		require.NoError(t, db.Model(pe).Update("team_id", team.ID).Error)
	}

	gw := &mockGateway{}
	engine := newPoolEngine(t, db, gw, nil)
	_, err := engine.Abandon(context.Background(), problem.ID, team.ID, false)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Empty(t, gw.deleteCalls)

	// Transaction unwound: nothing moved to released.
	var count int64
	require.NoError(t, db.Model(&models.ProblemEnvironment{}).Where("status = ?", "ABANDONED").Count(&count).Error)
	assert.Zero(t, count)
}

func TestAbandon_GatewayDeleteFailureDoesNotBlockRelease(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	gw := &mockGateway{
		deleteFn: func(ctx context.Context, name string) error {
			return fmt.Errorf("%w: status 502", gateway.ErrUnavailable)
		},
	}
	engine := newPoolEngine(t, db, gw, nil)
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)

	released, err := engine.Abandon(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err, "logical release is authoritative")
	require.Len(t, released, 1)
	assert.Equal(t, "ABANDONED", released[0].Status)

	// Not marked cleaned: the sweeper picks it up later.
	var pe models.ProblemEnvironment
	require.NoError(t, db.Where("name = ?", "srv-1").First(&pe).Error)
	assert.Nil(t, pe.CleanedAt)
}

// ---------------------------------------------------------------------------
// BeginScoring / ReleaseOnScore
// ---------------------------------------------------------------------------

func acquireFor(t *testing.T, engine *Engine, problem *models.Problem, team *models.Team) {
	t.Helper()
	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)
}

func TestBeginScoring_MovesAssignedToScoring(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	engine := newPoolEngine(t, db, nil, nil)
	acquireFor(t, engine, problem, team)

	scoring, err := engine.BeginScoring(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)
	require.Len(t, scoring, 1)
	assert.Equal(t, "UNDER_SCORING", scoring[0].Status)
}

func TestBeginScoring_NoAssignedEnvironment(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.BeginScoring(context.Background(), problem.ID, team.ID, true)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReleaseOnScore_PerfectScoreReleasesAndDeletes(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	gw := &mockGateway{}
	engine := newPoolEngine(t, db, gw, nil)
	acquireFor(t, engine, problem, team)
	_, err := engine.BeginScoring(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)

	released, err := engine.ReleaseOnScore(context.Background(), problem.ID, team.ID, 100)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "ABANDONED", released[0].Status)
	assert.Equal(t, []string{"srv-1"}, gw.deleteCalls)
}

func TestReleaseOnScore_PartialScoreHandsBack(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	gw := &mockGateway{}
	engine := newPoolEngine(t, db, gw, nil)
	acquireFor(t, engine, problem, team)
	_, err := engine.BeginScoring(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)

	moved, err := engine.ReleaseOnScore(context.Background(), problem.ID, team.ID, 60)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "UNDER_CHALLENGE", moved[0].Status, "challenge continues")
	assert.Empty(t, gw.deleteCalls, "no gateway call on partial score")
}

func TestReleaseOnScore_NoLiveEnvironmentTolerated(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)

	gw := &mockGateway{}
	engine := newPoolEngine(t, db, gw, nil)

	// Rescoring long after the environment is gone.
	moved, err := engine.ReleaseOnScore(context.Background(), problem.ID, team.ID, 100)
	require.NoError(t, err)
	assert.Empty(t, moved)
	assert.Empty(t, gw.deleteCalls)
}

// ---------------------------------------------------------------------------
// Assignment scope
// ---------------------------------------------------------------------------

func TestAcquire_GlobalAssignmentScope(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problemA := createProblem(t, db, "NET-101", false)
	problemB := createProblem(t, db, "NET-102", false)
	seedEnvironment(t, db, problemA, "srv-a", "SSH", "READY", time.Hour)
	seedEnvironment(t, db, problemB, "srv-b", "SSH", "READY", time.Hour)

	global := New(Options{
		DB:                    db,
		Gateway:               &mockGateway{},
		Mode:                  ModePool,
		GlobalAssignmentScope: true,
		Logger:                zap.NewNop().Sugar(),
	})

	_, err := global.Acquire(context.Background(), problemA.ID, team.ID, true)
	require.NoError(t, err)

	_, err = global.Acquire(context.Background(), problemB.ID, team.ID, true)
	assert.ErrorIs(t, err, ErrAlreadyAssigned, "global scope forbids a second problem")
}

func TestAcquire_PerProblemAssignmentScope(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problemA := createProblem(t, db, "NET-101", false)
	problemB := createProblem(t, db, "NET-102", false)
	seedEnvironment(t, db, problemA, "srv-a", "SSH", "READY", time.Hour)
	seedEnvironment(t, db, problemB, "srv-b", "SSH", "READY", time.Hour)

	engine := newPoolEngine(t, db, nil, nil)
	_, err := engine.Acquire(context.Background(), problemA.ID, team.ID, true)
	require.NoError(t, err)

	_, err = engine.Acquire(context.Background(), problemB.ID, team.ID, true)
	require.NoError(t, err, "per-problem scope allows different problems in parallel")
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func TestNotifications_SilentFlag(t *testing.T) {
	db := newTestDB(t)
	team := createTeam(t, db, "team1", models.RolePlayer)
	problem := createProblem(t, db, "NET-101", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	notifier := &mockNotifier{}
	engine := newPoolEngine(t, db, nil, notifier)

	_, err := engine.Acquire(context.Background(), problem.ID, team.ID, true)
	require.NoError(t, err)
	assert.Empty(t, notifier.events)

	_, err = engine.Abandon(context.Background(), problem.ID, team.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{OpAbandon}, notifier.events)
}

// ---------------------------------------------------------------------------
// Pool lifecycle scenario
// ---------------------------------------------------------------------------

func TestScenario_PoolLifecycle(t *testing.T) {
	db := newTestDB(t)
	teamA := createTeam(t, db, "teamA", models.RolePlayer)
	teamB := createTeam(t, db, "teamB", models.RolePlayer)
	problem := createProblem(t, db, "P1", false)
	seedEnvironment(t, db, problem, "srv-1", "SSH", "READY", time.Hour)

	engine := newPoolEngine(t, db, nil, nil)

	// Team A claims the only instance.
	claimed, err := engine.Acquire(context.Background(), problem.ID, teamA.ID, true)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "UNDER_CHALLENGE", claimed[0].Status)

	// Team B finds the pool empty.
	_, err = engine.Acquire(context.Background(), problem.ID, teamB.ID, true)
	assert.ErrorIs(t, err, ErrNoEnvironmentAvailable)

	// Team A gives up.
	released, err := engine.Abandon(context.Background(), problem.ID, teamA.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "ABANDONED", released[0].Status)

	// Still nothing for team B until provisioning recreates an instance.
	_, err = engine.Acquire(context.Background(), problem.ID, teamB.ID, true)
	assert.ErrorIs(t, err, ErrNoEnvironmentAvailable)

	seedEnvironment(t, db, problem, "srv-2", "SSH", "READY", 0)
	claimed, err = engine.Acquire(context.Background(), problem.ID, teamB.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "srv-2", claimed[0].Name)
}

// ---------------------------------------------------------------------------
// Redaction
// ---------------------------------------------------------------------------

func TestRedactEnvironments(t *testing.T) {
	staff := &models.Team{ID: "s", Role: models.RoleStaff}
	player := &models.Team{ID: "p", Role: models.RolePlayer}
	audience := &models.Team{ID: "a", Role: models.RoleAudience}

	pes := []models.ProblemEnvironment{
		{Name: "srv-1", Password: "pw", SecretText: "operator note"},
	}

	assert.Equal(t, "operator note", models.RedactEnvironments(pes, staff)[0].SecretText)

	forPlayer := models.RedactEnvironments(pes, player)
	assert.Empty(t, forPlayer[0].SecretText)
	assert.Equal(t, "pw", forPlayer[0].Password, "credentials stay visible to the owner")

	assert.Nil(t, models.RedactEnvironments(pes, audience))
	assert.Equal(t, "operator note", pes[0].SecretText, "input left untouched")
}
