package worker

import (
	"encoding/json"
	"strconv"
	"time"
)

// JobType represents the type of provisioning job
type JobType string

const (
	// JobTypeReplenish creates a fresh ready instance through the gateway
	// so the pool returns to its target depth.
	JobTypeReplenish JobType = "replenish"
	// JobTypeTeardown deletes a released instance that is still running on
	// the gateway side.
	JobTypeTeardown JobType = "teardown"
)

// Job represents a provisioning job to be executed by a worker
type Job struct {
	ID           string    `json:"id"`
	Type         JobType   `json:"type"`
	ProblemID    string    `json:"problem_id"`
	ProblemCode  string    `json:"problem_code"`
	InstanceName string    `json:"instance_name"`
	Services     []string  `json:"services,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Retries      int       `json:"retries"`
}

// NewReplenishJob creates a job that provisions one ready instance for a
// problem, with one record per named service. The sequence number keeps IDs
// distinct when several instances are requested in the same reconciliation
// tick.
func NewReplenishJob(problemID, problemCode string, services []string, seq int) *Job {
	return &Job{
		ID:          string(JobTypeReplenish) + ":" + problemCode + ":" + time.Now().UTC().Format("20060102T150405") + "-" + strconv.Itoa(seq),
		Type:        JobTypeReplenish,
		ProblemID:   problemID,
		ProblemCode: problemCode,
		Services:    services,
		CreatedAt:   time.Now(),
		Retries:     0,
	}
}

// NewTeardownJob creates a job that deletes the named instance on the gateway.
func NewTeardownJob(problemID, instanceName string) *Job {
	return &Job{
		ID:           string(JobTypeTeardown) + ":" + instanceName,
		Type:         JobTypeTeardown,
		ProblemID:    problemID,
		InstanceName: instanceName,
		CreatedAt:    time.Now(),
		Retries:      0,
	}
}

// Marshal serializes the job to JSON
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
