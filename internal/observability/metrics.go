package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	webhookEvents *prometheus.CounterVec
	tasksCreated  *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	subagentSpawn  *prometheus.CounterVec
	subagentActive prometheus.Gauge

	executorRuns     *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec

	handlerDispatch *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	tasksRequeued   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			webhookEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_events_total",
					Help: "Inbound webhook events by provider and outcome.",
				},
				[]string{"provider", "outcome"},
			),
			tasksCreated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tasks_created_total",
					Help: "Tasks created by provider.",
				},
				[]string{"provider"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			subagentSpawn: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "subagent_spawn_total",
					Help: "Subagent spawn attempts by result.",
				},
				[]string{"result"},
			),
			subagentActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "subagent_active",
					Help: "Subagent executions currently holding a concurrency slot.",
				},
			),
			executorRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "executor_run_total",
					Help: "Executor runs by kind and status.",
				},
				[]string{"kind", "status"},
			),
			executorDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "executor_run_duration_seconds",
					Help:    "Executor run duration in seconds by kind.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
				},
				[]string{"kind"},
			),
			handlerDispatch: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "handler_dispatch_total",
					Help: "Completion handler dispatches by provider and result.",
				},
				[]string{"provider", "result"},
			),
			notifications: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "notifications_total",
					Help: "Task completion notifications by result.",
				},
				[]string{"result"},
			),
			tasksRequeued: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tasks_requeued_total",
					Help: "Stale queued tasks re-enqueued by the reconciler.",
				},
			),
		}

		prometheus.MustRegister(
			m.webhookEvents,
			m.tasksCreated,
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.subagentSpawn,
			m.subagentActive,
			m.executorRuns,
			m.executorDuration,
			m.handlerDispatch,
			m.notifications,
			m.tasksRequeued,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordWebhookEvent(provider, outcome string) {
	getMetrics().webhookEvents.WithLabelValues(provider, outcome).Inc()
}

func RecordTaskCreated(provider string) {
	getMetrics().tasksCreated.WithLabelValues(provider).Inc()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordSubagentSpawn counts a spawn attempt. result is "success",
// "capacity" or "error".
func RecordSubagentSpawn(result string, n int) {
	getMetrics().subagentSpawn.WithLabelValues(result).Add(float64(n))
}

func SetSubagentActive(count int) {
	getMetrics().subagentActive.Set(float64(count))
}

func RecordExecutorRun(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	m.executorRuns.WithLabelValues(kind, status(success)).Inc()
	m.executorDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordHandlerDispatch(provider string, success bool) {
	getMetrics().handlerDispatch.WithLabelValues(provider, status(success)).Inc()
}

// RecordNotification counts a notification attempt. result is "sent",
// "failed" or "disabled".
func RecordNotification(result string) {
	getMetrics().notifications.WithLabelValues(result).Inc()
}

func RecordTasksRequeued(n int) {
	getMetrics().tasksRequeued.Add(float64(n))
}
