package models

// State is the generic lifecycle of a problem environment. Concrete status
// labels stored in the database depend on the deployment mode; a Vocabulary
// maps generic states to those labels so the allocation engine never
// hard-codes two parallel code paths.
type State string

const (
	StateIdle     State = "idle"     // provisioned, waiting in the pool
	StateAssigned State = "assigned" // held by a team
	StateScoring  State = "scoring"  // held by a team, answer being graded
	StateReleased State = "released" // terminal
)

// Vocabulary maps generic states to the concrete status labels of one fleet
// model. IdleSet lists every label accepted as claimable; historical rows may
// carry an empty status, which pool mode treats as idle.
type Vocabulary struct {
	Idle     string
	Assigned string
	Scoring  string
	Released string
	IdleSet  []string
}

// ChallengeVocabulary is the label set used by pre-provisioned pools.
var ChallengeVocabulary = Vocabulary{
	Idle:     "READY",
	Assigned: "UNDER_CHALLENGE",
	Scoring:  "UNDER_SCORING",
	Released: "ABANDONED",
	IdleSet:  []string{"READY", ""},
}

// FleetVocabulary is the label set used by on-demand fleets. The fleet model
// never had its own scoring label, so UNDER_SCORING is shared.
var FleetVocabulary = Vocabulary{
	Idle:     "RUNNING",
	Assigned: "RUNNING_IN_USE",
	Scoring:  "UNDER_SCORING",
	Released: "RUNNING_ABANDONED",
	IdleSet:  []string{"RUNNING", ""},
}

// Label returns the concrete status stored for a generic state.
func (v Vocabulary) Label(s State) string {
	switch s {
	case StateIdle:
		return v.Idle
	case StateAssigned:
		return v.Assigned
	case StateScoring:
		return v.Scoring
	case StateReleased:
		return v.Released
	}
	return ""
}

// InUseStatuses are the labels meaning "currently assigned and not yet
// released", across both vocabularies. A team may hold at most one
// environment in these statuses per problem.
var InUseStatuses = []string{
	"UNDER_CHALLENGE",
	"RUNNING_IN_USE",
	"UNDER_SCORING",
}
