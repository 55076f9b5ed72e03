// Package gateway wires the VMG subsystems together and runs the main
// command loop against the OTA backend.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zlseong/vmg/internal/config"
	"github.com/zlseong/vmg/internal/doip"
	"github.com/zlseong/vmg/internal/httpc"
	"github.com/zlseong/vmg/internal/metrics"
	"github.com/zlseong/vmg/internal/ota"
	"github.com/zlseong/vmg/internal/partition"
	"github.com/zlseong/vmg/internal/readiness"
	"github.com/zlseong/vmg/internal/vci"
	"github.com/zlseong/vmg/pkg/log"
	"github.com/zlseong/vmg/pkg/mqtt"
	mqtttopic "github.com/zlseong/vmg/pkg/mqtt/topic"
)

// Command is the JSON shape of backend command messages. The OTA fields
// are populated only for start_ota.
type Command struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`

	ota.PackageInfo
}

// statusEvent is the ack/notification shape published on the status topic.
type statusEvent struct {
	DeviceID  string `json:"device_id"`
	Event     string `json:"event"`
	State     string `json:"state,omitempty"`
	SWVersion string `json:"sw_version,omitempty"`
	Sequence  uint64 `json:"seq,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Gateway owns the long-lived collaborators and the main loop.
type Gateway struct {
	cfg    *config.Config
	loader *config.Loader

	mc     mqtt.Client
	topics *mqtttopic.Builder
	qos    int

	httpCli    *httpc.Client
	partitions *partition.Manager
	orch       *ota.Orchestrator
	vci        *vci.Collector
	readiness  *readiness.Manager

	heartbeatSeq atomic.Uint64
	stop         context.CancelFunc

	logger log.Logger
}

// New builds a gateway from configuration. loader may be nil to disable
// config hot-reload.
func New(cfg *config.Config, loader *config.Loader) (*Gateway, error) {
	g := &Gateway{
		cfg:    cfg,
		loader: loader,
		qos:    cfg.Server.MQTT.QoS,
		topics: mqtttopic.NewBuilder(cfg.Server.MQTT.TopicRoot, cfg.Vehicle.VIN),
		logger: log.WithName("gateway"),
	}

	g.httpCli = httpc.NewClient(cfg.HTTPBaseURL(), 30*time.Second, cfg.Server.HTTP.Insecure)
	g.partitions = partition.NewManager(cfg.Partition)

	offline, _ := json.Marshal(statusEvent{
		DeviceID:  cfg.Device.ID,
		Event:     "offline",
		Timestamp: 0, // broker delivers the LWT; its clock is authoritative
	})
	mc, err := mqtt.NewClient(&mqtt.ClientConfig{
		BrokerURL:          cfg.BrokerURL(),
		ClientID:           fmt.Sprintf("%s_mqtt", cfg.Device.ID),
		Username:           cfg.Server.MQTT.Username,
		Password:           cfg.Server.MQTT.Password,
		KeepAlive:          uint16(cfg.Server.MQTT.KeepAliveSec),
		CleanStart:         cfg.Server.MQTT.CleanSession,
		InsecureSkipVerify: cfg.Server.MQTT.Insecure,
		WillTopic:          g.topics.Status(),
		WillPayload:        offline,
		WillQoS:            1,
		WillRetain:         true,
	})
	if err != nil {
		return nil, err
	}
	g.mc = mc

	routing, err := cfg.ZGW.RoutingTable()
	if err != nil {
		return nil, err
	}

	g.orch = ota.New(ota.Config{
		DownloadDir: cfg.OTA.DownloadPath,
		Identity: ota.VehicleIdentity{
			VIN:       cfg.Vehicle.VIN,
			Model:     cfg.Vehicle.Model,
			ModelYear: cfg.Vehicle.ModelYear,
		},
		Routing:    routing,
		HTTP:       g.httpCli,
		Partitions: g.partitions,
		Sink:       g.publishProgress,
	})

	// VCI and readiness share one DoIP client for the primary ZGW.
	zgw := doip.NewClient(cfg.ZGW.IPAddress, cfg.ZGW.DoIPPort)
	g.vci = vci.New(cfg.Device.ID, cfg.Vehicle.VIN, cfg.Server.HTTP.Endpoint.VCIUpload,
		zgw, g.httpCli, cfg.ZGW.AllowMockFallback)
	g.readiness = readiness.New(cfg.Device.ID, g.topics.Readiness(), cfg.Readiness,
		zgw, mc, g.qos, cfg.ZGW.AllowMockFallback)

	return g, nil
}

// Run starts the gateway and blocks until the context is cancelled or a
// shutdown command arrives.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.stop = cancel

	if err := g.partitions.Initialize(); err != nil {
		return err
	}
	if err := g.superviseBoot(); err != nil {
		return err
	}

	if err := g.mc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		g.mc.Disconnect(shutdownCtx)
	}()

	if err := g.mc.AwaitConnection(ctx); err != nil {
		return err
	}

	for _, topic := range []string{g.topics.Command(), g.topics.OTACampaign()} {
		if err := g.mc.Subscribe(ctx, topic, g.qos, g.handleCommand); err != nil {
			return err
		}
	}

	// The backend link is up: this boot counts as successful.
	if err := g.partitions.ResetBootCount(); err != nil {
		g.logger.Error(err, "Failed to reset boot count")
	}

	if g.loader != nil {
		g.loader.Watch(g.applyConfig)
	}

	g.publishStatus(ctx, "wake_up")

	// Power-on VCI snapshot for the backend inventory.
	if err := g.vci.CollectAndUpload(ctx, "power_on"); err != nil {
		g.logger.Error(err, "Power-on VCI collection failed")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return g.runDiagServer(ctx) })
	group.Go(func() error { return g.runHeartbeat(ctx) })

	g.logger.Info("Gateway running", "vin", g.cfg.Vehicle.VIN, "device", g.cfg.Device.ID)
	err := group.Wait()
	g.logger.Info("Gateway stopped")
	return err
}

// superviseBoot implements the rollback watchdog: every start bumps the
// boot counter, and three consecutive failed boots flip the target back.
func (g *Gateway) superviseBoot() error {
	count, err := g.partitions.IncrementBootCount()
	if err != nil {
		return err
	}
	g.logger.Info("Boot attempt recorded", "count", count,
		"target", g.partitions.Active().String())

	if g.partitions.IsRollbackNeeded() {
		g.logger.Warn("Boot count reached rollback threshold")
		return g.partitions.PerformRollback()
	}
	return nil
}

func (g *Gateway) handleCommand(ctx context.Context, topic string, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		g.logger.Error(err, "Malformed command payload", "topic", topic)
		return
	}
	metrics.CommandsReceived.WithLabelValues(cmd.Command).Inc()
	g.logger.Info("Command received", "command", cmd.Command, "reason", cmd.Reason)

	switch cmd.Command {
	case "collect_vci":
		if err := g.vci.CollectAndUpload(ctx, "external_request"); err != nil {
			g.logger.Error(err, "VCI collection failed")
			return
		}
		g.publishStatus(ctx, "vci_collected")

	case "collect_readiness":
		if err := g.readiness.CheckAndPublish(ctx, "external_request"); err != nil {
			g.logger.Error(err, "Readiness check failed")
		}

	case "start_ota":
		g.startOTA(ctx, cmd.PackageInfo)

	case "cancel_ota":
		if err := g.orch.Cancel(); err != nil {
			g.logger.Error(err, "Cancel request ignored")
		}

	case "shutdown":
		g.logger.Info("Shutdown command received")
		g.stop()

	default:
		g.logger.Warn("Unknown command", "command", cmd.Command)
	}
}

func (g *Gateway) startOTA(ctx context.Context, info ota.PackageInfo) {
	if info.CampaignID == "" || info.PackageURL == "" {
		g.logger.Error(nil, "start_ota missing campaign_id or package_url")
		return
	}

	var err error
	switch info.PackageType {
	case "self":
		if err = g.orch.StartSelfOTA(ctx, info); err == nil {
			// The gateway observes READY and acknowledges; the actual
			// reboot is the operator's call.
			err = g.orch.Acknowledge()
		}
	default:
		err = g.orch.StartVehicleOTA(ctx, info)
	}

	if err != nil {
		g.logger.Error(err, "OTA failed", "campaign", info.CampaignID)
	}
}

// publishProgress serializes the orchestrator snapshot on every progress
// event.
func (g *Gateway) publishProgress(ev ota.Event) {
	switch e := ev.(type) {
	case ota.StateChange:
		metrics.OTAEvents.WithLabelValues("state_change").Inc()
	case ota.ByteProgress:
		metrics.OTAEvents.WithLabelValues("bytes").Inc()
		metrics.OTADownloadedBytes.Set(float64(e.Downloaded))
	case ota.Completed:
		metrics.OTAEvents.WithLabelValues("completed").Inc()
	case ota.Failed:
		metrics.OTAEvents.WithLabelValues("failed").Inc()
	}

	payload, err := json.Marshal(g.orch.Progress())
	if err != nil {
		g.logger.Error(err, "Failed to encode progress report")
		return
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := g.mc.Publish(ctx, g.topics.OTAProgress(), g.qos, false, payload); err != nil {
		g.logger.Error(err, "Failed to publish progress report")
	}
}

func (g *Gateway) publishStatus(ctx context.Context, event string) {
	payload, _ := json.Marshal(statusEvent{
		DeviceID:  g.cfg.Device.ID,
		Event:     event,
		State:     string(g.orch.State()),
		SWVersion: g.cfg.Device.SoftwareVersion,
		Timestamp: time.Now().Unix(),
	})
	if err := g.mc.Publish(ctx, g.topics.Status(), g.qos, false, payload); err != nil {
		g.logger.Error(err, "Failed to publish status event", "event", event)
	}
}

func (g *Gateway) runHeartbeat(ctx context.Context) error {
	if !g.cfg.Monitoring.HeartbeatEnabled {
		<-ctx.Done()
		return nil
	}

	interval := time.Duration(g.cfg.Monitoring.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload, _ := json.Marshal(statusEvent{
				DeviceID:  g.cfg.Device.ID,
				Event:     "heartbeat",
				State:     string(g.orch.State()),
				Sequence:  g.heartbeatSeq.Add(1),
				Timestamp: time.Now().Unix(),
			})
			if err := g.mc.Publish(ctx, g.topics.Status(), g.qos, false, payload); err != nil {
				g.logger.Error(err, "Heartbeat publish failed")
				continue
			}
			metrics.HeartbeatsSent.Inc()

		case <-ctx.Done():
			return nil
		}
	}
}

// applyConfig absorbs a hot-reloaded configuration. Only the readiness
// thresholds are safe to change at runtime; everything else requires a
// restart.
func (g *Gateway) applyConfig(cfg *config.Config) {
	g.readiness.SetThresholds(cfg.Readiness)
}
