package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	RolePlayer   = "player"
	RoleStaff    = "staff"
	RoleAudience = "audience"

	ErrNotFound = errors.New("record not found")
)

type Team struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Team) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (t *Team) Staff() bool    { return t.Role == RoleStaff }
func (t *Team) Player() bool   { return t.Role == RolePlayer }
func (t *Team) Audience() bool { return t.Role == RoleAudience }

type Problem struct {
	ID        string `gorm:"primaryKey"`
	Code      string `gorm:"uniqueIndex"`
	Title     string
	Local     bool // local problems bypass environment allocation entirely
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Problem) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// ProblemEnvironment is one service endpoint of a remote problem instance.
// Several records may share a Name with different Services (SSH/HTTP/HTTPS);
// they represent facets of the same physical instance and always transition
// status together.
type ProblemEnvironment struct {
	ID         string  `gorm:"primaryKey"`
	ProblemID  string  `gorm:"index;uniqueIndex:idx_instance_service"`
	TeamID     *string `gorm:"index"`
	Name       string  `gorm:"uniqueIndex:idx_instance_service"`
	Service    string  `gorm:"uniqueIndex:idx_instance_service"`
	Status     string  `gorm:"index"`
	Host       string
	Port       int
	User       string
	Password   string
	SecretText string
	CleanedAt  *time.Time // set once the gateway confirmed physical deletion
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (pe *ProblemEnvironment) BeforeCreate(tx *gorm.DB) error {
	if pe.ID == "" {
		pe.ID = uuid.NewString()
	}
	return nil
}

func FindProblem(db *gorm.DB, problemID string) (*Problem, error) {
	var problem Problem
	result := db.Where("id = ?", problemID).Limit(1).Find(&problem)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &problem, nil
}

func FindProblemByCode(db *gorm.DB, code string) (*Problem, error) {
	var problem Problem
	result := db.Where("code = ?", code).Limit(1).Find(&problem)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &problem, nil
}

func FindTeam(db *gorm.DB, teamID string) (*Team, error) {
	var team Team
	result := db.Where("id = ?", teamID).Limit(1).Find(&team)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &team, nil
}

// TeamHasAssigned reports whether the team already holds an in-use
// environment. With problemID == "" the check is global across problems.
// Callers inside a transaction get the locked view; outside it this is
// advisory only.
func TeamHasAssigned(db *gorm.DB, problemID, teamID string) (bool, error) {
	var count int64
	q := db.Model(&ProblemEnvironment{}).
		Where("team_id = ? AND status IN ?", teamID, InUseStatuses)
	if problemID != "" {
		q = q.Where("problem_id = ?", problemID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// LockAvailableEnvironments row-locks every claimable environment of a
// problem, ordered oldest-first so claims are deterministic under contention.
func LockAvailableEnvironments(tx *gorm.DB, problemID string, vocab Vocabulary) ([]ProblemEnvironment, error) {
	var pes []ProblemEnvironment
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("problem_id = ? AND team_id IS NULL AND status IN ?", problemID, vocab.IdleSet).
		Order("created_at ASC").
		Find(&pes)
	return pes, result.Error
}

// LockEnvironments row-locks the team's environments for a problem in the
// given status.
func LockEnvironments(tx *gorm.DB, problemID, teamID, status string) ([]ProblemEnvironment, error) {
	var pes []ProblemEnvironment
	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("problem_id = ? AND team_id = ? AND status = ?", problemID, teamID, status).
		Find(&pes)
	return pes, result.Error
}

func CreateEnvironment(db *gorm.DB, pe *ProblemEnvironment) error {
	return db.Create(pe).Error
}

// UpdateStatus transitions a set of environments to status, optionally
// assigning them to a team. All rows are updated inside the caller's
// transaction; a partial update unwinds with it.
func UpdateStatus(tx *gorm.DB, pes []ProblemEnvironment, status string, teamID *string) error {
	for i := range pes {
		pes[i].Status = status
		if teamID != nil {
			pes[i].TeamID = teamID
		}
		if err := tx.Save(&pes[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

// MarkCleaned records that the gateway confirmed deletion of every record
// sharing the instance name.
func MarkCleaned(db *gorm.DB, name string) error {
	now := time.Now()
	return db.Model(&ProblemEnvironment{}).
		Where("name = ? AND cleaned_at IS NULL", name).
		Update("cleaned_at", now).Error
}

// FindUncleanedReleased returns released environments whose gateway deletion
// has not been confirmed and that were last touched before cutoff. Used by
// the reconciler sweep; idempotent because a gateway 404 counts as deleted.
func FindUncleanedReleased(db *gorm.DB, vocab Vocabulary, cutoff time.Time) ([]ProblemEnvironment, error) {
	var pes []ProblemEnvironment
	result := db.
		Where("status = ? AND cleaned_at IS NULL AND updated_at <= ?", vocab.Released, cutoff).
		Order("updated_at ASC").
		Find(&pes)
	return pes, result.Error
}

// CountIdleInstances returns the number of distinct idle instance names for a
// problem. Records sharing a name count once.
func CountIdleInstances(db *gorm.DB, problemID string, vocab Vocabulary) (int, error) {
	var names []string
	err := db.Model(&ProblemEnvironment{}).
		Where("problem_id = ? AND team_id IS NULL AND status IN ?", problemID, vocab.IdleSet).
		Distinct("name").
		Pluck("name", &names).Error
	return len(names), err
}

// ListTeamEnvironments returns the team's in-use environments for a problem.
func ListTeamEnvironments(db *gorm.DB, problemID, teamID string) ([]ProblemEnvironment, error) {
	var pes []ProblemEnvironment
	result := db.
		Where("problem_id = ? AND team_id = ? AND status IN ?", problemID, teamID, InUseStatuses).
		Order("service ASC").
		Find(&pes)
	return pes, result.Error
}

// UniqueName asserts that every record in pes shares one instance name and
// returns it. A violation indicates data corruption, not a user error.
func UniqueName(pes []ProblemEnvironment) (string, bool) {
	if len(pes) == 0 {
		return "", false
	}
	name := pes[0].Name
	for _, pe := range pes[1:] {
		if pe.Name != name {
			return "", false
		}
	}
	return name, true
}
