package pkg

import (
	"errors"
	"fmt"

	"github.com/janog-netcon/netcon-score-server/internal/auth"
	"github.com/janog-netcon/netcon-score-server/pkg/allocator"
	"github.com/janog-netcon/netcon-score-server/pkg/api"
	"github.com/janog-netcon/netcon-score-server/pkg/config"
	"github.com/janog-netcon/netcon-score-server/pkg/metrics"
	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"github.com/janog-netcon/netcon-score-server/pkg/utils"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"
)

// Server exposes the allocation engine over HTTP.
type Server struct {
	db       *gorm.DB
	engine   *allocator.Engine
	confProv config.Provider
	kmu      keymutex.KeyMutex
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	DB             *gorm.DB
	Engine         *allocator.Engine
	ConfigProvider config.Provider
	KeyMutex       keymutex.KeyMutex
}

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// Mandatory dependencies are DB and Engine. KeyMutex will default to a hashed
// key mutex if not provided.
func NewServerWithOpts(opts ServerOpts) *Server {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	return &Server{
		db:       opts.DB,
		engine:   opts.Engine,
		confProv: opts.ConfigProvider,
		kmu:      kmu,
	}
}

// RegisterRoutes attaches every handler to g.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.GET("/health", s.GetHealth)
	g.POST("/problems/:problem_id/environments", s.AcquireEnvironment)
	g.GET("/problems/:problem_id/environments", s.ListEnvironments)
	g.DELETE("/problems/:problem_id/environments", s.AbandonEnvironment)
	g.POST("/problems/:problem_id/answers", s.AddAnswer)
	g.POST("/problems/:problem_id/score", s.ApplyScore)
}

// GetHealth reports liveness plus the active allocation mode so operators can
// confirm which configuration a running instance picked up.
func (s *Server) GetHealth(ctx echo.Context) error {
	resp := map[string]string{"status": "ok"}
	if s.confProv != nil {
		if cfg := s.confProv.GetConfig(); cfg != nil {
			resp["mode"] = cfg.Allocator.Mode
		}
	}
	return ctx.JSON(200, resp)
}

// AcquireEnvironment claims an environment for the calling team. The call is
// synchronous: connection info is in the response body. Duplicate submissions
// from the same team are serialized on a key mutex so they fail fast on the
// already-assigned check instead of racing into the gateway.
func (s *Server) AcquireEnvironment(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	problemID := ctx.Param("problem_id")
	zap.S().Infof("Acquire request received for problem %s from team %s", problemID, claims.TeamID)

	viewer, err := models.FindTeam(s.db, claims.TeamID)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	key := problemID + ":" + claims.TeamID
	s.kmu.LockKey(key)
	claimed, err := s.engine.Acquire(ctx.Request().Context(), problemID, claims.TeamID, false)
	_ = s.kmu.UnlockKey(key)

	if err != nil {
		metrics.AcquireOpsTotal.WithLabelValues(problemID, acquireResult(err)).Inc()
		return s.environmentError(ctx, claims.TeamID, "acquire", err)
	}

	metrics.AcquireOpsTotal.WithLabelValues(problemID, "success").Inc()
	if claimed == nil {
		// Local problem, nothing to connect to.
		return ctx.JSON(200, api.EnvironmentsResponse{Local: true})
	}
	return ctx.JSON(200, api.EnvironmentsResponse{
		Environments: toAPIEnvironments(models.RedactEnvironments(claimed, viewer)),
	})
}

// ListEnvironments returns the calling team's in-use environments for the
// problem. Staff may inspect any team with the team_id query parameter.
func (s *Server) ListEnvironments(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	problemID := ctx.Param("problem_id")

	viewer, err := models.FindTeam(s.db, claims.TeamID)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	teamID := claims.TeamID
	if requested := ctx.QueryParam("team_id"); requested != "" && viewer.Staff() {
		teamID = requested
	}

	pes, err := models.ListTeamEnvironments(s.db, problemID, teamID)
	if err != nil {
		zap.S().Errorf("Failed to list environments: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to list environments: %v", err))})
	}

	return ctx.JSON(200, api.EnvironmentsResponse{
		Environments: toAPIEnvironments(models.RedactEnvironments(pes, viewer)),
	})
}

// AbandonEnvironment releases the calling team's environment for the problem.
func (s *Server) AbandonEnvironment(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	problemID := ctx.Param("problem_id")
	zap.S().Infof("Abandon request received for problem %s from team %s", problemID, claims.TeamID)

	if _, err := s.engine.Abandon(ctx.Request().Context(), problemID, claims.TeamID, false); err != nil {
		metrics.AbandonOpsTotal.WithLabelValues(problemID, "error").Inc()
		return s.environmentError(ctx, claims.TeamID, "abandon", err)
	}

	metrics.AbandonOpsTotal.WithLabelValues(problemID, "success").Inc()
	return ctx.NoContent(200)
}

// AddAnswer marks the calling team's environment as under scoring. The answer
// body itself is stored by the grading pipeline; this endpoint only drives
// the environment state.
func (s *Server) AddAnswer(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	problemID := ctx.Param("problem_id")
	zap.S().Debugf("Answer submitted for problem %s by team %s", problemID, claims.TeamID)

	scoring, err := s.engine.BeginScoring(ctx.Request().Context(), problemID, claims.TeamID, false)
	if err != nil {
		return s.environmentError(ctx, claims.TeamID, "begin scoring", err)
	}
	if scoring == nil {
		return ctx.JSON(200, api.EnvironmentsResponse{Local: true})
	}
	return ctx.NoContent(200)
}

// ApplyScore finishes a scoring round for a team. Staff only: the grading
// pipeline authenticates with a staff token.
func (s *Server) ApplyScore(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	if claims.Role != models.RoleStaff {
		zap.S().Errorf("Unauthorized attempt to apply a score by team %s", claims.TeamID)
		metrics.UnauthorizedRequestsTotal.WithLabelValues(claims.TeamID).Inc()
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Unauthorized")})
	}
	problemID := ctx.Param("problem_id")

	var req api.ScoreRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	if req.TeamID == "" || req.Percent < 0 || req.Percent > 100 {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Score of %d%% applied for problem %s team %s", req.Percent, problemID, req.TeamID)

	moved, err := s.engine.ReleaseOnScore(ctx.Request().Context(), problemID, req.TeamID, req.Percent)
	if err != nil {
		return s.environmentError(ctx, claims.TeamID, "apply score", err)
	}
	if len(moved) > 0 {
		outcome := "returned"
		if req.Percent == 100 {
			outcome = "released"
		}
		metrics.ScoreReleaseTotal.WithLabelValues(problemID, outcome).Inc()
	}
	return ctx.NoContent(200)
}

// environmentError maps engine errors onto HTTP responses.
func (s *Server) environmentError(ctx echo.Context, teamID, op string, err error) error {
	switch {
	case errors.Is(err, allocator.ErrForbidden):
		zap.S().Errorf("Unauthorized attempt to %s by team %s", op, teamID)
		metrics.UnauthorizedRequestsTotal.WithLabelValues(teamID).Inc()
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Unauthorized")})
	case errors.Is(err, models.ErrNotFound):
		return ctx.JSON(404, api.Error{Message: utils.Ptr("Not found")})
	case errors.Is(err, allocator.ErrAlreadyAssigned):
		return ctx.JSON(409, api.Error{Message: utils.Ptr("An environment is already assigned to this team")})
	case errors.Is(err, allocator.ErrNoEnvironmentAvailable):
		return ctx.JSON(503, api.Error{Message: utils.Ptr("No environment is available right now, try again later")})
	case errors.Is(err, allocator.ErrGatewayUnavailable):
		return ctx.JSON(502, api.Error{Message: utils.Ptr("Provisioning backend is unavailable, try again later")})
	default:
		zap.S().Errorf("Failed to %s for team %s: %v", op, teamID, err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to %s: %v", op, err))})
	}
}

func acquireResult(err error) string {
	switch {
	case errors.Is(err, allocator.ErrAlreadyAssigned):
		return "conflict"
	case errors.Is(err, allocator.ErrNoEnvironmentAvailable):
		return "no_capacity"
	default:
		return "error"
	}
}

func toAPIEnvironments(pes []models.ProblemEnvironment) []api.Environment {
	out := make([]api.Environment, 0, len(pes))
	for _, pe := range pes {
		out = append(out, api.Environment{
			Service:    pe.Service,
			Host:       pe.Host,
			Port:       pe.Port,
			User:       pe.User,
			Password:   pe.Password,
			SecretText: pe.SecretText,
			Status:     pe.Status,
		})
	}
	return out
}
