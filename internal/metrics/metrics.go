// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsReceived counts backend commands by name.
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmg_commands_received_total",
		Help: "Backend commands received over MQTT, by command name.",
	}, []string{"command"})

	// OTAEvents counts progress events by kind.
	OTAEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmg_ota_events_total",
		Help: "OTA progress events emitted by the orchestrator, by kind.",
	}, []string{"kind"})

	// OTADownloadedBytes tracks bytes of the current OTA transfer.
	OTADownloadedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vmg_ota_downloaded_bytes",
		Help: "Bytes downloaded or dispatched in the current OTA transaction.",
	})

	// HeartbeatsSent counts published heartbeats.
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmg_heartbeats_sent_total",
		Help: "Heartbeat messages published to the backend.",
	})

	// VCIUploads counts VCI report uploads by result.
	VCIUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmg_vci_uploads_total",
		Help: "VCI report uploads, by result.",
	}, []string{"result"})

	// ReadinessChecks counts readiness evaluations by outcome.
	ReadinessChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmg_readiness_checks_total",
		Help: "Readiness evaluations, by outcome.",
	}, []string{"ready"})
)
