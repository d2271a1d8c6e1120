package allocator

import (
	"context"
	"fmt"

	"github.com/janog-netcon/netcon-score-server/pkg/models"
)

// NopNotifier drops every event. Used for silent deployments and tests.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, operation string, records []models.ProblemEnvironment) {
}

var _ Notifier = NopNotifier{}

// RoleAuthorizer is the default authorization collaborator: staff may do
// anything, players may acquire and release their own environments, audience
// teams may not mutate state at all.
type RoleAuthorizer struct{}

func (RoleAuthorizer) Permit(operation string, team *models.Team, problem *models.Problem) error {
	if team == nil {
		return ErrForbidden
	}
	if team.Staff() {
		return nil
	}
	switch operation {
	case OpAcquire, OpAbandon, OpBeginScoring:
		if team.Player() {
			return nil
		}
	case OpApplyScore:
		// scoring is a staff operation
	}
	return fmt.Errorf("%w: %s by team %s (%s)", ErrForbidden, operation, team.ID, team.Role)
}

var _ Authorizer = RoleAuthorizer{}
