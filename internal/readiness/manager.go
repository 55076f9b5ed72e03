// Package readiness evaluates whether the vehicle may accept an OTA update
// and publishes the verdict to the backend.
package readiness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zlseong/vmg/internal/config"
	"github.com/zlseong/vmg/internal/doip"
	"github.com/zlseong/vmg/internal/metrics"
	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
	"github.com/zlseong/vmg/pkg/mqtt"
)

// ZGWClient is the slice of the DoIP client the manager needs.
type ZGWClient interface {
	IsActive() bool
	Connect() error
	RequestReadinessCheck() error
	RequestReadinessReport() ([]doip.ReadinessInfo, error)
}

// Report is the JSON document published to the readiness topic. Aggregate
// values take the worst case across ECUs.
type Report struct {
	DeviceID           string               `json:"device_id"`
	Timestamp          int64                `json:"timestamp"`
	Trigger            string               `json:"trigger"`
	BatteryPercent     int                  `json:"battery_percent"`
	FreeSpaceMB        int                  `json:"free_space_mb"`
	TemperatureCelsius int                  `json:"temperature_celsius"`
	EngineOff          bool                 `json:"engine_off"`
	ParkingBrake       bool                 `json:"parking_brake"`
	NetworkStable      bool                 `json:"network_stable"`
	ReadyForOTA        bool                 `json:"ready_for_ota"`
	ECUs               []doip.ReadinessInfo `json:"ecus"`
}

// Manager runs the readiness routine pair against the ZGW, applies the
// configured thresholds, and publishes the result.
type Manager struct {
	deviceID string
	topic    string

	zgw    ZGWClient
	mc     mqtt.Client
	qos    int
	logger log.Logger

	thresholds config.ReadinessConfig

	// temperature supplies the gateway board temperature; sensor
	// acquisition is outside this package, so the default is a fixed
	// nominal reading.
	temperature func() int

	allowMockFallback bool
}

// New creates a manager publishing to the given topic.
func New(deviceID, topic string, thresholds config.ReadinessConfig, zgw ZGWClient, mc mqtt.Client, qos int, allowMockFallback bool) *Manager {
	return &Manager{
		deviceID:          deviceID,
		topic:             topic,
		thresholds:        thresholds,
		zgw:               zgw,
		mc:                mc,
		qos:               qos,
		temperature:       func() int { return 45 },
		allowMockFallback: allowMockFallback,
		logger:            log.WithName("readiness"),
	}
}

// SetThresholds replaces the evaluation thresholds (config hot-reload).
func (m *Manager) SetThresholds(t config.ReadinessConfig) {
	m.thresholds = t
	m.logger.Info("Readiness thresholds updated",
		"minBattery", t.MinBatteryPercent, "minFreeMB", t.MinFreeSpaceMB)
}

// SetTemperatureProbe overrides the board temperature source.
func (m *Manager) SetTemperatureProbe(probe func() int) {
	m.temperature = probe
}

// Check queries the ZGW and evaluates the thresholds.
func (m *Manager) Check(trigger string) (*Report, error) {
	infos, err := m.query()
	if err != nil {
		if !m.allowMockFallback {
			return nil, err
		}
		m.logger.Warn("ZGW unreachable, using mock readiness data", "reason", err.Error())
		infos = mockReadiness()
		trigger = "doip_fallback"
	}

	report := m.aggregate(infos, trigger)
	report.ReadyForOTA = m.evaluate(report)

	metrics.ReadinessChecks.WithLabelValues(fmt.Sprintf("%t", report.ReadyForOTA)).Inc()
	m.logger.Info("Readiness evaluated", "ready", report.ReadyForOTA,
		"battery", report.BatteryPercent, "freeMB", report.FreeSpaceMB)
	return report, nil
}

func (m *Manager) query() ([]doip.ReadinessInfo, error) {
	if !m.zgw.IsActive() {
		if err := m.zgw.Connect(); err != nil {
			return nil, err
		}
	}
	if err := m.zgw.RequestReadinessCheck(); err != nil {
		return nil, err
	}
	return m.zgw.RequestReadinessReport()
}

// aggregate folds per-ECU records into the worst-case vehicle view.
func (m *Manager) aggregate(infos []doip.ReadinessInfo, trigger string) *Report {
	report := &Report{
		DeviceID:           m.deviceID,
		Timestamp:          time.Now().Unix(),
		Trigger:            trigger,
		BatteryPercent:     100,
		FreeSpaceMB:        1 << 20,
		TemperatureCelsius: m.temperature(),
		EngineOff:          true,
		ParkingBrake:       true,
		NetworkStable:      true,
		ECUs:               infos,
	}

	for _, info := range infos {
		if pct := batteryPercent(info.BatteryVoltageMV); pct < report.BatteryPercent {
			report.BatteryPercent = pct
		}
		if mb := int(info.AvailableMemoryKB / 1024); mb < report.FreeSpaceMB {
			report.FreeSpaceMB = mb
		}
		if !info.EngineOff {
			report.EngineOff = false
		}
		// The parked flag doubles as the parking-brake signal on this
		// generation of ZGW firmware.
		if !info.VehicleParked {
			report.ParkingBrake = false
		}
	}
	return report
}

func (m *Manager) evaluate(r *Report) bool {
	t := m.thresholds
	ready := true

	if r.BatteryPercent < t.MinBatteryPercent {
		m.logger.Warn("Battery below threshold", "percent", r.BatteryPercent, "min", t.MinBatteryPercent)
		ready = false
	}
	if r.FreeSpaceMB < t.MinFreeSpaceMB {
		m.logger.Warn("Free space below threshold", "mb", r.FreeSpaceMB, "min", t.MinFreeSpaceMB)
		ready = false
	}
	if r.TemperatureCelsius > t.MaxTemperatureCelsius {
		m.logger.Warn("Temperature above threshold", "celsius", r.TemperatureCelsius, "max", t.MaxTemperatureCelsius)
		ready = false
	}
	if t.CheckEngineOff && !r.EngineOff {
		ready = false
	}
	if t.CheckParkingBrake && !r.ParkingBrake {
		ready = false
	}
	if t.CheckNetworkStable && !r.NetworkStable {
		ready = false
	}

	for _, ecu := range r.ECUs {
		if !ecu.ReadyForUpdate || !ecu.Compatible {
			m.logger.Warn("ECU not ready", "ecu", ecu.ECUID,
				"ready", ecu.ReadyForUpdate, "compatible", ecu.Compatible)
			ready = false
		}
	}
	return ready
}

// Publish pushes the report onto the readiness topic.
func (m *Manager) Publish(ctx context.Context, report *Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("%w: encode readiness report: %v", vmgerr.ErrIO, err)
	}
	return m.mc.Publish(ctx, m.topic, m.qos, false, payload)
}

// CheckAndPublish runs the full check-then-publish sequence.
func (m *Manager) CheckAndPublish(ctx context.Context, trigger string) error {
	report, err := m.Check(trigger)
	if err != nil {
		return err
	}
	return m.Publish(ctx, report)
}

// batteryPercent maps pack voltage to a rough charge percentage:
// 11.0 V empty, 12.0 V full.
func batteryPercent(mv uint16) int {
	pct := (int(mv) - 11000) / 10
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// mockReadiness is the development fallback data set.
func mockReadiness() []doip.ReadinessInfo {
	return []doip.ReadinessInfo{
		{
			ECUID: "ECU_011", VehicleParked: true, EngineOff: true,
			BatteryVoltageMV: 12600, AvailableMemoryKB: 8 * 1024 * 1024,
			AllDoorsClosed: true, Compatible: true, ReadyForUpdate: true,
		},
	}
}
