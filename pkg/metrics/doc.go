/*
Package metrics provides Prometheus metrics collection and exposition for
the device agent.

The metrics package defines and registers every agent metric using the
Prometheus client library: frame dispatch outcomes, automation task/step
counts and durations, ingress apply results, container provisioning, and
tunnel setup. Metrics are exposed via an HTTP endpoint for scraping by a
Prometheus server, when the operator opts into --metrics-addr.

# Metrics Catalog

Connection Metrics:

portacode_frames_dispatched_total{command, outcome}:
  - Type: Counter
  - Description: Inbound command frames dispatched, by command name and
    outcome ("ok" or "error")

portacode_reconnects_total:
  - Type: Counter
  - Description: Times the gateway connection was re-established after a
    drop

portacode_connection_up:
  - Type: Gauge
  - Description: Whether the gateway connection is authenticated and
    running (1) or not (0)

Automation Metrics:

portacode_automation_tasks_total{status}:
  - Type: Counter
  - Description: Automation tasks that reached a terminal status
    ("success", "failed", "cancelled")

portacode_automation_steps_total{kind, outcome}:
  - Type: Counter
  - Description: Automation steps run, by kind ("shell", "wait_for") and
    outcome ("ok", "error", "timed_out")

portacode_automation_task_duration_seconds:
  - Type: Histogram
  - Description: Wall-clock time from automation_v2_start to task
    completion

portacode_automation_step_duration_seconds{kind}:
  - Type: Histogram
  - Description: Time taken to run a single step, by kind

Ingress Metrics:

portacode_ingress_apply_duration_seconds:
  - Type: Histogram
  - Description: Time to validate, persist, and publish a forwarding
    rule set (config write, DNS registration, service reload)

portacode_ingress_apply_total{outcome}:
  - Type: Counter
  - Description: Forwarding config applies, by outcome

Infra Provisioning Metrics:

portacode_container_create_duration_seconds:
  - Type: Histogram
  - Description: Time to provision a hypervisor container end to end

portacode_containers_provisioned_total{outcome}:
  - Type: Counter
  - Description: Containers provisioned, by outcome

Tunnel Metrics:

portacode_tunnel_setup_duration_seconds:
  - Type: Histogram
  - Description: Time to run the full cloudflared tunnel setup pipeline

portacode_tunnel_setup_total{outcome}:
  - Type: Counter
  - Description: setup_cloudflare_tunnel runs, by outcome

Exposure Metrics:

portacode_exposure_propagations_total{outcome}:
  - Type: Counter
  - Description: Exposure-table pushes into a provisioned container, by
    outcome

# Usage

Updating Counter Metrics:

	metrics.FramesDispatchedTotal.WithLabelValues("automation_v2_start", "ok").Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.IngressApplyDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.AutomationStepDuration, "shell")

# Integration Points

This package integrates with:

  - pkg/router: counts every dispatched frame by command and outcome
  - pkg/automation: counts tasks/steps and times task/step duration
  - pkg/ingress: times and counts forwarding config applies
  - pkg/infra: times and counts container provisioning
  - pkg/tunnel: times and counts tunnel setup runs
  - pkg/exposure: counts propagation pushes
  - Prometheus: scrapes /metrics when --metrics-addr is set

# Design Patterns

Package Init Registration:
  - All metrics registered in init()
  - MustRegister panics on duplicate registration

Label Discipline:
  - Labels are bounded enums (command name, outcome, step kind), never
    device ids, task ids, or timestamps

Timer Pattern:
  - Create a Timer at operation start, ObserveDuration at completion
*/
package metrics
