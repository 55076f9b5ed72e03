// Package ota orchestrates firmware delivery: the gateway's own
// dual-partition self-update and the vehicle-wide three-layer package
// dispatch to Zone Gateways.
package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/zlseong/vmg/internal/doip"
	"github.com/zlseong/vmg/internal/httpc"
	"github.com/zlseong/vmg/internal/partition"
	"github.com/zlseong/vmg/internal/pkgfile"
	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// PackageInfo is the campaign descriptor received from the backend.
type PackageInfo struct {
	CampaignID      string `json:"campaign_id"`
	PackageURL      string `json:"package_url"`
	PackageSize     uint32 `json:"package_size"`
	FirmwareVersion uint32 `json:"firmware_version"`
	SHA256Hash      string `json:"sha256_hash"`

	// PackageType selects the flow: "self" for a flat gateway image,
	// "vehicle" for a three-layer vehicle package.
	PackageType string `json:"package_type"`
}

// VehicleIdentity is the configured identity a vehicle package must match.
type VehicleIdentity struct {
	VIN       string
	Model     string
	ModelYear uint16
}

// ZGWLink is the slice of the DoIP client the orchestrator drives. It
// exists so tests can substitute a fake transport.
type ZGWLink interface {
	IsActive() bool
	Connect() error
	Disconnect()
	SendFirmware(id string, firmware []byte) error
}

// ZGWDialer creates a link for a ZGW endpoint.
type ZGWDialer func(ep pkgfile.ZGWEndpoint) ZGWLink

// defaultDialer wires the real DoIP client.
func defaultDialer(ep pkgfile.ZGWEndpoint) ZGWLink {
	return doip.NewClient(ep.Host, ep.Port)
}

// Config carries the orchestrator's collaborators and paths.
type Config struct {
	DownloadDir string
	Identity    VehicleIdentity
	Routing     pkgfile.RoutingTable

	HTTP       *httpc.Client
	Partitions *partition.Manager

	// Dial creates DoIP links; nil selects the real client.
	Dial ZGWDialer

	// Sink receives progress events; nil discards them.
	Sink Sink
}

// FSM event names.
const (
	evStart    = "start"
	evDownload = "downloaded"
	evVerify   = "verified"
	evInstall  = "installed"
	evComplete = "complete"
	evFail     = "fail"
)

// Orchestrator owns the current OTA transaction: its state, the downloaded
// file, the parser, and the DoIP client cache. It is driven from the
// gateway loop; only Cancel may be called from another goroutine.
type Orchestrator struct {
	cfg Config

	machine  *fsm.FSM
	progress Progress

	clients   map[string]ZGWLink
	cancelled atomic.Bool

	logger log.Logger
}

// New creates an idle orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Dial == nil {
		cfg.Dial = defaultDialer
	}

	o := &Orchestrator{
		cfg:      cfg,
		clients:  make(map[string]ZGWLink),
		progress: Progress{State: StateIdle},
		logger:   log.WithName("ota"),
	}

	// A new transaction may begin from any terminal state.
	o.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateIdle), string(StateCompleted), string(StateError)}, Dst: string(StateDownloading)},
			{Name: evDownload, Src: []string{string(StateDownloading)}, Dst: string(StateVerifying)},
			{Name: evVerify, Src: []string{string(StateVerifying)}, Dst: string(StateInstalling)},
			{Name: evInstall, Src: []string{string(StateInstalling)}, Dst: string(StateReady)},
			{Name: evComplete, Src: []string{string(StateInstalling), string(StateReady)}, Dst: string(StateCompleted)},
			{Name: evFail, Src: []string{
				string(StateDownloading), string(StateVerifying),
				string(StateInstalling), string(StateReady),
			}, Dst: string(StateError)},
		},
		fsm.Callbacks{},
	)
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.machine.Current())
}

// Progress returns the current progress snapshot.
func (o *Orchestrator) Progress() Progress {
	return o.progress
}

// InProgress reports whether a transaction is running.
func (o *Orchestrator) InProgress() bool {
	switch o.State() {
	case StateIdle, StateCompleted, StateError:
		return false
	default:
		return true
	}
}

// Cancel requests cooperative cancellation of the running transaction. The
// flow observes the flag at the next coarse step (post-download,
// post-verify, between zones and chunks) and transitions to ERROR. A
// committed partition switch is not undone; that is the rollback
// mechanism's job.
func (o *Orchestrator) Cancel() error {
	if !o.InProgress() {
		return fmt.Errorf("%w: no OTA in progress", vmgerr.ErrState)
	}
	o.cancelled.Store(true)
	return nil
}

// Acknowledge moves a READY self-update to COMPLETED.
func (o *Orchestrator) Acknowledge() error {
	if o.State() != StateReady {
		return fmt.Errorf("%w: acknowledge in state %s", vmgerr.ErrState, o.State())
	}
	o.event(evComplete)
	o.setStep("Update acknowledged, reboot pending")
	o.emit(Completed{})
	return nil
}

// StartSelfOTA downloads, verifies, and installs a flat gateway image onto
// the standby partition, then switches the boot target to it.
func (o *Orchestrator) StartSelfOTA(ctx context.Context, info PackageInfo) error {
	if err := o.begin(info); err != nil {
		return err
	}

	path, err := o.download(ctx, info)
	if err != nil {
		return o.fail(err)
	}

	o.transition(evDownload, StateVerifying, "Verifying package integrity")
	if err := o.verifySelfPackage(path, info); err != nil {
		return o.fail(err)
	}
	if err := o.checkCancelled(); err != nil {
		return o.fail(err)
	}

	o.transition(evVerify, StateInstalling, "Installing to standby partition")
	if err := o.installSelfPackage(path, info); err != nil {
		return o.fail(err)
	}

	o.transition(evInstall, StateReady, "Install complete, boot target switched")
	o.logger.Info("Self OTA ready", "campaign", info.CampaignID,
		"version", pkgfile.FormatVersionString(info.FirmwareVersion))
	return nil
}

// StartVehicleOTA downloads a vehicle package, validates it against this
// vehicle, and pushes each zone package to its ZGW in declaration order.
func (o *Orchestrator) StartVehicleOTA(ctx context.Context, info PackageInfo) error {
	if err := o.begin(info); err != nil {
		return err
	}

	path, err := o.download(ctx, info)
	if err != nil {
		return o.fail(err)
	}

	o.transition(evDownload, StateVerifying, "Verifying vehicle package")
	parser := pkgfile.NewVehicleParser(path, o.cfg.Routing)
	if err := parser.Parse(); err != nil {
		return o.fail(err)
	}
	if err := parser.Verify(); err != nil {
		return o.fail(err)
	}
	id := o.cfg.Identity
	if err := parser.VerifyTarget(id.VIN, id.Model, id.ModelYear); err != nil {
		return o.fail(err)
	}
	if err := o.checkCancelled(); err != nil {
		return o.fail(err)
	}

	o.transition(evVerify, StateInstalling, "Dispatching zone packages")
	if err := parser.ExtractAll(filepath.Join(o.cfg.DownloadDir, "zones")); err != nil {
		return o.fail(err)
	}

	zones := parser.Zones()
	var totalBytes, sentBytes uint64
	for _, z := range zones {
		totalBytes += uint64(z.Size)
	}

	for i, zone := range zones {
		if err := o.checkCancelled(); err != nil {
			return o.fail(err)
		}

		if err := o.sendZone(zone); err != nil {
			return o.fail(fmt.Errorf("zone %d: %w", zone.ZoneNumber, err))
		}

		sentBytes += uint64(zone.Size)
		pct := (i + 1) * 100 / len(zones)
		o.progress.DownloadedBytes = sentBytes
		o.progress.TotalBytes = totalBytes
		o.progress.Percentage = pct
		o.emit(ByteProgress{Downloaded: sentBytes, Total: totalBytes, Percentage: pct})
		o.logger.Info("Zone delivered", "zone", zone.ZoneNumber, "done", i+1, "of", len(zones))
	}

	o.event(evComplete)
	o.setStep("All zone packages delivered")
	o.progress.Percentage = 100
	o.emit(Completed{})
	o.logger.Info("Vehicle OTA completed", "campaign", info.CampaignID, "zones", len(zones))
	return nil
}

// sendZone validates one extracted zone package and block-transfers it to
// its ZGW, reusing a cached client when one exists for the endpoint.
func (o *Orchestrator) sendZone(zone pkgfile.ZonePackageInfo) error {
	link := o.linkFor(zone.Target)
	if !link.IsActive() {
		if err := link.Connect(); err != nil {
			return err
		}
	}

	zp := pkgfile.NewZoneParser(zone.ExtractedPath)
	if err := zp.Parse(); err != nil {
		return err
	}
	if err := zp.Verify(); err != nil {
		return err
	}

	data, err := os.ReadFile(zone.ExtractedPath)
	if err != nil {
		return fmt.Errorf("%w: read zone package: %v", vmgerr.ErrIO, err)
	}
	return link.SendFirmware(zone.ZoneID, data)
}

// linkFor returns the cached client for the endpoint, creating one on
// first use. Keying by endpoint keeps zones that share a ZGW on one
// connection.
func (o *Orchestrator) linkFor(ep pkgfile.ZGWEndpoint) ZGWLink {
	key := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	if link, ok := o.clients[key]; ok {
		return link
	}
	link := o.cfg.Dial(ep)
	o.clients[key] = link
	return link
}

func (o *Orchestrator) begin(info PackageInfo) error {
	if o.InProgress() {
		return fmt.Errorf("%w: OTA already in progress (%s)", vmgerr.ErrState, o.State())
	}

	o.cancelled.Store(false)
	o.progress = Progress{
		State:      StateDownloading,
		TotalBytes: uint64(info.PackageSize),
	}
	o.event(evStart)
	o.setStep("Downloading package")
	o.emit(StateChange{State: StateDownloading, Step: o.progress.CurrentStep})
	o.logger.Info("OTA started", "campaign", info.CampaignID, "url", info.PackageURL,
		"bytes", info.PackageSize, "type", info.PackageType)
	return nil
}

// download fetches the package to <download_dir>/<campaign_id>.bin,
// reporting byte progress on every 5% boundary.
func (o *Orchestrator) download(ctx context.Context, info PackageInfo) (string, error) {
	if err := os.MkdirAll(o.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create download dir: %v", vmgerr.ErrIO, err)
	}
	dest := filepath.Join(o.cfg.DownloadDir, info.CampaignID+".bin")

	lastReported := -1
	dl := &downloader{
		client: o.cfg.HTTP,
		onChunk: func(downloaded, total uint64) error {
			if o.cancelled.Load() {
				return fmt.Errorf("%w: download aborted", vmgerr.ErrCancelled)
			}
			pct := int(downloaded * 100 / total)
			o.progress.DownloadedBytes = downloaded
			o.progress.Percentage = pct
			if pct/progressStep > lastReported/progressStep || pct == 100 && lastReported != 100 {
				lastReported = pct
				o.emit(ByteProgress{Downloaded: downloaded, Total: total, Percentage: pct})
			}
			return nil
		},
	}

	if err := dl.fetch(ctx, info.PackageURL, dest, uint64(info.PackageSize)); err != nil {
		return "", err
	}
	return dest, nil
}

// verifySelfPackage stream-hashes the downloaded file and compares against
// the expected SHA-256.
func (o *Orchestrator) verifySelfPackage(path string, info PackageInfo) error {
	expected, err := decodeSHA256(info.SHA256Hash)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open download: %v", vmgerr.ErrIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: hash download: %v", vmgerr.ErrIO, err)
	}

	if got := h.Sum(nil); !bytes.Equal(got, expected) {
		return fmt.Errorf("%w: package SHA-256 mismatch: calculated %x", vmgerr.ErrIntegrity, got)
	}
	return nil
}

// installSelfPackage writes the image to the standby partition and switches
// the boot target. Any failure marks the partition ERROR and no switch
// happens.
func (o *Orchestrator) installSelfPackage(path string, info PackageInfo) error {
	pm := o.cfg.Partitions
	standby := pm.Standby()

	if err := pm.SetState(standby, partition.StateUpdating); err != nil {
		return err
	}

	expected, err := decodeSHA256(info.SHA256Hash)
	if err != nil {
		return o.markPartitionError(standby, err)
	}

	meta := &partition.Metadata{
		Magic:           partition.MagicNumber,
		FirmwareVersion: info.FirmwareVersion,
		BuildTimestamp:  uint32(time.Now().Unix()),
		TotalSize:       uint32(info.PackageSize),
		State:           uint8(partition.StateReady),
	}
	copy(meta.SHA256[:], expected)

	if err := pm.WriteMetadata(standby, meta); err != nil {
		return o.markPartitionError(standby, err)
	}

	src, err := os.Open(path)
	if err != nil {
		return o.markPartitionError(standby, fmt.Errorf("%w: open download: %v", vmgerr.ErrIO, err))
	}
	defer src.Close()

	if _, err := pm.WriteFirmware(standby, src); err != nil {
		return o.markPartitionError(standby, err)
	}

	if err := pm.Verify(standby); err != nil {
		return o.markPartitionError(standby, err)
	}

	if err := pm.SetState(standby, partition.StateReady); err != nil {
		return o.markPartitionError(standby, err)
	}
	return pm.SwitchBootTarget(standby)
}

func (o *Orchestrator) markPartitionError(id partition.ID, cause error) error {
	if err := o.cfg.Partitions.SetState(id, partition.StateError); err != nil {
		o.logger.Error(err, "Failed to mark partition ERROR", "partition", id.String())
	}
	return cause
}

func (o *Orchestrator) checkCancelled() error {
	if o.cancelled.Load() {
		return fmt.Errorf("%w: OTA aborted", vmgerr.ErrCancelled)
	}
	return nil
}

// fail converts any flow failure into the single ERROR transition, closing
// in-flight DoIP sockets and emitting the final progress report.
func (o *Orchestrator) fail(cause error) error {
	for _, link := range o.clients {
		link.Disconnect()
	}

	kind := vmgerr.Kind(cause)
	msg := cause.Error()
	if kind == "cancelled" {
		msg = "cancelled"
	}

	o.event(evFail)
	o.progress.State = StateError
	o.progress.Error = msg
	o.progress.CurrentStep = "OTA failed"
	o.emit(Failed{Kind: kind, Message: msg})
	o.logger.Error(cause, "OTA failed", "kind", kind)
	return cause
}

func (o *Orchestrator) transition(event string, state State, step string) {
	o.event(event)
	o.progress.State = state
	o.setStep(step)
	o.emit(StateChange{State: state, Step: step})
}

func (o *Orchestrator) setStep(step string) {
	o.progress.CurrentStep = step
	o.progress.State = o.State()
}

func (o *Orchestrator) event(name string) {
	if err := o.machine.Event(context.Background(), name); err != nil {
		// Transitions are driven by the flow itself; a refusal here is a
		// programming error worth surfacing loudly in logs.
		o.logger.Error(err, "FSM transition refused", "event", name, "state", o.machine.Current())
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.cfg.Sink != nil {
		o.cfg.Sink(ev)
	}
}

func decodeSHA256(hexHash string) ([]byte, error) {
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("%w: malformed SHA-256 %q", vmgerr.ErrIntegrity, hexHash)
	}
	return raw, nil
}

