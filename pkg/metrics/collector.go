package metrics

import (
	"context"

	"github.com/janog-netcon/netcon-score-server/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// EnvironmentCollector implements prometheus.Collector and queries the
// database on each scrape to report current environment counts by status,
// problem, and team. This ensures metric accuracy even after restarts or
// manual DB changes.
type EnvironmentCollector struct {
	db   *gorm.DB
	desc *prometheus.Desc
}

// NewEnvironmentCollector creates a Collector backed by db.
// Call prometheus.MustRegister(collector) after creation.
func NewEnvironmentCollector(db *gorm.DB) *EnvironmentCollector {
	return &EnvironmentCollector{
		db: db,
		desc: prometheus.NewDesc(
			"scoreserver_environments",
			"Current number of environment records grouped by status, problem, and team",
			[]string{"status", "problem_id", "team_id"},
			nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *EnvironmentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the database and sends environment count metrics.
func (c *EnvironmentCollector) Collect(ch chan<- prometheus.Metric) {
	type row struct {
		Status    string
		ProblemID string
		TeamID    *string
		Count     int64
	}

	var rows []row
	c.db.Model(&models.ProblemEnvironment{}).
		Select("status, problem_id, team_id, COUNT(*) as count").
		Where("cleaned_at IS NULL").
		Group("status, problem_id, team_id").
		Scan(&rows)

	for _, r := range rows {
		teamID := ""
		if r.TeamID != nil {
			teamID = *r.TeamID
		}
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.GaugeValue,
			float64(r.Count),
			r.Status, r.ProblemID, teamID,
		)
	}
}

// QueueLengther is the minimal interface needed to observe Redis queue depth.
// It is satisfied by *worker.Queue without importing that package.
type QueueLengther interface {
	QueueLength(ctx context.Context) (int64, error)
}

// QueueCollector reports the current number of jobs waiting in the Redis queue.
type QueueCollector struct {
	queue QueueLengther
	desc  *prometheus.Desc
}

// NewQueueCollector creates a collector that reads queue depth from q on each
// scrape. Register it only when Redis is configured (queue != nil).
func NewQueueCollector(queue QueueLengther) *QueueCollector {
	return &QueueCollector{
		queue: queue,
		desc: prometheus.NewDesc(
			"scoreserver_queue_depth",
			"Number of jobs currently waiting in the Redis job queue",
			nil, nil,
		),
	}
}

// Describe sends the descriptor to the channel.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect queries the queue length and sends the gauge metric.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.queue.QueueLength(context.Background())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.desc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
