package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	FramesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_frames_dispatched_total",
			Help: "Total number of inbound command frames dispatched by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portacode_reconnects_total",
			Help: "Total number of times the gateway connection was re-established",
		},
	)

	ConnectionUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "portacode_connection_up",
			Help: "Whether the gateway connection is currently authenticated and running (1) or not (0)",
		},
	)

	// Automation metrics
	AutomationTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_automation_tasks_total",
			Help: "Total number of automation tasks that reached a terminal status, by status",
		},
		[]string{"status"},
	)

	AutomationStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_automation_steps_total",
			Help: "Total number of automation steps run, by step kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AutomationTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portacode_automation_task_duration_seconds",
			Help:    "Wall-clock time from automation_v2_start to task completion in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 7200},
		},
	)

	AutomationStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portacode_automation_step_duration_seconds",
			Help:    "Time taken to run a single automation step in seconds, by step kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Ingress/forwarding metrics
	IngressApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portacode_ingress_apply_duration_seconds",
			Help:    "Time taken to apply a forwarding rule set (validate, write config, register DNS, reload) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngressApplyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_ingress_apply_total",
			Help: "Total number of forwarding config applies, by outcome",
		},
		[]string{"outcome"},
	)

	// Infra provisioning metrics
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portacode_container_create_duration_seconds",
			Help:    "Time taken to provision a hypervisor container in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	ContainersProvisionedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_containers_provisioned_total",
			Help: "Total number of hypervisor containers provisioned, by outcome",
		},
		[]string{"outcome"},
	)

	// Tunnel lifecycle metrics
	TunnelSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portacode_tunnel_setup_duration_seconds",
			Help:    "Time taken to run the full cloudflared tunnel setup pipeline in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	TunnelSetupTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_tunnel_setup_total",
			Help: "Total number of setup_cloudflare_tunnel runs, by outcome",
		},
		[]string{"outcome"},
	)

	// Exposure propagation metrics
	ExposurePropagationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portacode_exposure_propagations_total",
			Help: "Total number of exposure-table pushes into a container, by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(FramesDispatchedTotal)
	prometheus.MustRegister(ReconnectsTotal)
	prometheus.MustRegister(ConnectionUp)

	prometheus.MustRegister(AutomationTasksTotal)
	prometheus.MustRegister(AutomationStepsTotal)
	prometheus.MustRegister(AutomationTaskDuration)
	prometheus.MustRegister(AutomationStepDuration)

	prometheus.MustRegister(IngressApplyDuration)
	prometheus.MustRegister(IngressApplyTotal)

	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainersProvisionedTotal)

	prometheus.MustRegister(TunnelSetupDuration)
	prometheus.MustRegister(TunnelSetupTotal)

	prometheus.MustRegister(ExposurePropagationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
