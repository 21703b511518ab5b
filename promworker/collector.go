// Package promworker exports worker.Stats as Prometheus metrics.
package promworker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joeycumines/go-worker"
)

// DefaultNamespace prefixes every metric name unless WithNamespace is given.
const DefaultNamespace = "worker"

// StatsSource is implemented by *worker.Worker.
type StatsSource interface {
	Stats() worker.Stats
}

type (
	// Option configures NewCollector.
	Option func(c *collectorConfig)

	collectorConfig struct {
		namespace   string
		constLabels prometheus.Labels
	}
)

// WithNamespace sets the metric namespace. An empty namespace is allowed.
func WithNamespace(namespace string) Option {
	return func(c *collectorConfig) {
		c.namespace = namespace
	}
}

// WithConstLabels attaches labels to every metric, e.g. to tell workers
// apart when several are registered with the same registry.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *collectorConfig) {
		c.constLabels = labels
	}
}

// Collector is a prometheus.Collector that snapshots a StatsSource on every
// scrape.
type Collector struct {
	src StatsSource

	capacity             *prometheus.Desc
	live                 *prometheus.Desc
	threads              *prometheus.Desc
	maxConcurrentThreads *prometheus.Desc
	queueJobs            *prometheus.Desc
	queueRunning         *prometheus.Desc

	posted     *prometheus.Desc
	completed  *prometheus.Desc
	killed     *prometheus.Desc
	panicked   *prometheus.Desc
	eventWakes *prometheus.Desc
	exhausted  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds a Collector for src, which must not be nil.
func NewCollector(src StatsSource, opts ...Option) *Collector {
	if src == nil {
		panic(`promworker: nil stats source`)
	}
	cfg := collectorConfig{namespace: DefaultNamespace}
	for _, o := range opts {
		o(&cfg)
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(cfg.namespace, "", name), help, labels, cfg.constLabels)
	}
	return &Collector{
		src:                  src,
		capacity:             desc("capacity_jobs", "Number of job slots."),
		live:                 desc("live_jobs", "Number of occupied job slots."),
		threads:              desc("threads", "Number of queues."),
		maxConcurrentThreads: desc("max_concurrent_threads", "Advisory concurrency limit."),
		queueJobs:            desc("queue_jobs", "Jobs held by a queue, by section.", "queue", "section"),
		queueRunning:         desc("queue_running", "1 if the queue is executing a job.", "queue"),
		posted:               desc("jobs_posted_total", "Jobs accepted by a post."),
		completed:            desc("jobs_completed_total", "Jobs that reached Done or Error."),
		killed:               desc("jobs_killed_total", "Jobs finished by a kill."),
		panicked:             desc("jobs_panicked_total", "Jobs whose function panicked."),
		eventWakes:           desc("event_wakes_total", "Jobs woken by file descriptor readiness."),
		exhausted:            desc("posts_exhausted_total", "Posts rejected because every slot was in use."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.live
	ch <- c.threads
	ch <- c.maxConcurrentThreads
	ch <- c.queueJobs
	ch <- c.queueRunning
	ch <- c.posted
	ch <- c.completed
	ch <- c.killed
	ch <- c.panicked
	ch <- c.eventWakes
	ch <- c.exhausted
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.capacity, s.Capacity)
	gauge(c.live, s.Live)
	gauge(c.threads, s.Threads)
	gauge(c.maxConcurrentThreads, s.MaxConcurrentThreads)

	for i, q := range s.Queues {
		id := strconv.Itoa(i)
		gauge(c.queueJobs, q.Ready, id, "ready")
		gauge(c.queueJobs, q.Scheduled, id, "scheduled")
		gauge(c.queueJobs, q.Sleeping, id, "sleeping")
		var running int
		if q.Running {
			running = 1
		}
		gauge(c.queueRunning, running, id)
	}

	counter(c.posted, s.Posted)
	counter(c.completed, s.Completed)
	counter(c.killed, s.Killed)
	counter(c.panicked, s.Panicked)
	counter(c.eventWakes, s.EventWakes)
	counter(c.exhausted, s.Exhausted)
}
