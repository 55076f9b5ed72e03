package partition

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// Config names the block devices (or simulation image files) the manager
// operates on.
type Config struct {
	PartitionA     string `json:"partition_a" mapstructure:"partition_a"`
	PartitionB     string `json:"partition_b" mapstructure:"partition_b"`
	DataPartition  string `json:"data_partition" mapstructure:"data_partition"`
	DataMountPoint string `json:"data_mount_point" mapstructure:"data_mount_point"`
	BootStatusPath string `json:"boot_status_path" mapstructure:"boot_status_path"`

	// SimulationMode replaces block devices with plain files and skips the
	// external mount helper.
	SimulationMode bool `json:"simulation_mode" mapstructure:"simulation_mode"`
}

// Manager owns the boot-status file and mediates all partition access.
// Device file handles are scoped to single operations; nothing stays open
// between calls.
type Manager struct {
	cfg    Config
	status BootStatus
	logger log.Logger
}

// NewManager creates a manager for the given layout. Call Initialize before
// any other operation.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, logger: log.WithName("partition")}
}

// Initialize prepares the data partition and loads the boot status. A
// missing or corrupt boot-status file is replaced with a default pointing
// at partition A; after a torn write the system therefore boots A.
func (m *Manager) Initialize() error {
	if m.cfg.SimulationMode {
		if err := m.createSimulationEnvironment(); err != nil {
			return err
		}
	} else if err := m.mountDataPartition(); err != nil {
		return err
	}

	if err := m.readBootStatus(); err != nil {
		m.logger.Warn("No valid boot status, writing default", "reason", err.Error())
		m.status = BootStatus{
			Magic:             MagicNumber,
			BootTarget:        uint8(A),
			StateA:            uint8(StateActive),
			StateB:            uint8(StateEmpty),
			LastBootTimestamp: uint32(time.Now().Unix()),
		}
		if err := m.writeBootStatus(); err != nil {
			return err
		}
	}

	m.logger.Info("Partition manager initialized",
		"active", m.Active().String(),
		"stateA", State(m.status.StateA).String(),
		"stateB", State(m.status.StateB).String(),
		"bootCount", m.status.BootCount)
	return nil
}

// Active returns the partition the boot target points at.
func (m *Manager) Active() ID {
	if m.status.BootTarget == uint8(B) {
		return B
	}
	return A
}

// Standby returns the complement of the active partition.
func (m *Manager) Standby() ID {
	return m.Active().Other()
}

// Status returns a snapshot of the current boot status.
func (m *Manager) Status() BootStatus {
	return m.status
}

// StateOf returns the recorded state of the given partition.
func (m *Manager) StateOf(id ID) State {
	switch id {
	case A:
		return State(m.status.StateA)
	case B:
		return State(m.status.StateB)
	default:
		return StateUnknown
	}
}

// SetState records a new state for the partition and persists the boot
// status. At most one partition may be ACTIVE.
func (m *Manager) SetState(id ID, state State) error {
	if id != A && id != B {
		return fmt.Errorf("%w: unknown partition %d", vmgerr.ErrState, id)
	}
	if state == StateActive && m.StateOf(id.Other()) == StateActive {
		return fmt.Errorf("%w: partition %s is already active", vmgerr.ErrState, id.Other())
	}

	if id == A {
		m.status.StateA = uint8(state)
	} else {
		m.status.StateB = uint8(state)
	}
	return m.writeBootStatus()
}

// Path returns the device path of the given partition.
func (m *Manager) Path(id ID) string {
	if id == A {
		return m.cfg.PartitionA
	}
	return m.cfg.PartitionB
}

// ReadMetadata reads and validates the metadata block at the head of the
// partition.
func (m *Manager) ReadMetadata(id ID) (*Metadata, error) {
	f, err := os.Open(m.Path(id))
	if err != nil {
		return nil, fmt.Errorf("%w: open partition %s: %v", vmgerr.ErrIO, id, err)
	}
	defer f.Close()

	raw := make([]byte, MetadataSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("%w: read metadata from %s: %v", vmgerr.ErrIO, id, err)
	}

	var meta Metadata
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", vmgerr.ErrIO, err)
	}
	if meta.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad metadata magic %#08x on partition %s",
			vmgerr.ErrIntegrity, meta.Magic, id)
	}
	return &meta, nil
}

// WriteMetadata writes the metadata block to the head of the partition
// without truncating the device.
func (m *Manager) WriteMetadata(id ID, meta *Metadata) error {
	var buf bytes.Buffer
	buf.Grow(MetadataSize)
	if err := binary.Write(&buf, binary.LittleEndian, meta); err != nil {
		return fmt.Errorf("%w: encode metadata: %v", vmgerr.ErrIO, err)
	}

	f, err := os.OpenFile(m.Path(id), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open partition %s: %v", vmgerr.ErrIO, id, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: write metadata to %s: %v", vmgerr.ErrIO, id, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync partition %s: %v", vmgerr.ErrIO, id, err)
	}
	m.logger.Debug("Metadata written", "partition", id.String())
	return nil
}

// WriteFirmware streams firmware bytes to the partition right after the
// metadata block and returns the byte count.
func (m *Manager) WriteFirmware(id ID, r io.Reader) (int64, error) {
	f, err := os.OpenFile(m.Path(id), os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open partition %s: %v", vmgerr.ErrIO, id, err)
	}
	defer f.Close()

	if _, err := f.Seek(MetadataSize, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seek partition %s: %v", vmgerr.ErrIO, id, err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("%w: write firmware to %s: %v", vmgerr.ErrIO, id, err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("%w: sync partition %s: %v", vmgerr.ErrIO, id, err)
	}
	return n, nil
}

// Verify re-hashes the firmware bytes on the partition (TotalSize bytes
// after the metadata block) and compares against the stored SHA-256. A
// mismatching partition must be treated as ERROR by the caller.
func (m *Manager) Verify(id ID) error {
	meta, err := m.ReadMetadata(id)
	if err != nil {
		return err
	}

	f, err := os.Open(m.Path(id))
	if err != nil {
		return fmt.Errorf("%w: open partition %s: %v", vmgerr.ErrIO, id, err)
	}
	defer f.Close()

	if _, err := f.Seek(MetadataSize, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek partition %s: %v", vmgerr.ErrIO, id, err)
	}

	h := sha256.New()
	if _, err := io.CopyN(h, f, int64(meta.TotalSize)); err != nil {
		return fmt.Errorf("%w: hash partition %s: %v", vmgerr.ErrIO, id, err)
	}

	if !bytes.Equal(h.Sum(nil), meta.SHA256[:]) {
		return fmt.Errorf("%w: partition %s hash mismatch", vmgerr.ErrIntegrity, id)
	}

	m.logger.Info("Partition verified", "partition", id.String(), "bytes", meta.TotalSize)
	return nil
}

// SwitchBootTarget points the next boot at target and clears the boot
// counter. The target must hold bootable firmware.
func (m *Manager) SwitchBootTarget(target ID) error {
	if target != A && target != B {
		return fmt.Errorf("%w: unknown partition %d", vmgerr.ErrState, target)
	}
	if s := m.StateOf(target); s != StateReady && s != StateActive {
		return fmt.Errorf("%w: partition %s is %s, not bootable", vmgerr.ErrState, target, s)
	}

	m.status.BootTarget = uint8(target)
	m.status.BootCount = 0
	if err := m.writeBootStatus(); err != nil {
		return err
	}
	m.logger.Info("Boot target switched", "target", target.String())
	return nil
}

// IncrementBootCount persists and returns the incremented boot-attempt
// counter.
func (m *Manager) IncrementBootCount() (uint32, error) {
	m.status.BootCount++
	if err := m.writeBootStatus(); err != nil {
		return m.status.BootCount, err
	}
	return m.status.BootCount, nil
}

// ResetBootCount clears the boot-attempt counter and stamps the successful
// boot time.
func (m *Manager) ResetBootCount() error {
	m.status.BootCount = 0
	m.status.LastBootTimestamp = uint32(time.Now().Unix())
	return m.writeBootStatus()
}

// IsRollbackNeeded reports whether the boot counter has reached the
// rollback threshold.
func (m *Manager) IsRollbackNeeded() bool {
	return m.status.BootCount >= rollbackBootThreshold
}

// PerformRollback marks the current boot target ROLLBACK, flips the target
// back to the other partition, and clears the counter in one persisted
// update.
func (m *Manager) PerformRollback() error {
	failed := m.Active()
	restored := failed.Other()

	if failed == A {
		m.status.StateA = uint8(StateRollback)
	} else {
		m.status.StateB = uint8(StateRollback)
	}
	m.status.BootTarget = uint8(restored)
	m.status.BootCount = 0

	if err := m.writeBootStatus(); err != nil {
		return err
	}
	m.logger.Warn("Rollback performed", "failed", failed.String(), "restored", restored.String())
	return nil
}

func (m *Manager) readBootStatus() error {
	raw, err := os.ReadFile(m.cfg.BootStatusPath)
	if err != nil {
		return fmt.Errorf("%w: read boot status: %v", vmgerr.ErrIO, err)
	}
	if len(raw) < BootStatusSize {
		return fmt.Errorf("%w: boot status truncated (%d bytes)", vmgerr.ErrIntegrity, len(raw))
	}

	var status BootStatus
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &status); err != nil {
		return fmt.Errorf("%w: decode boot status: %v", vmgerr.ErrIO, err)
	}
	if status.Magic != MagicNumber {
		return fmt.Errorf("%w: bad boot status magic %#08x", vmgerr.ErrIntegrity, status.Magic)
	}

	m.status = status
	return nil
}

// writeBootStatus persists the record durably: the bytes go to a temporary
// sibling which is fsynced and atomically renamed over the target, so a
// power cut never leaves a torn file.
func (m *Manager) writeBootStatus() error {
	var buf bytes.Buffer
	buf.Grow(BootStatusSize)
	if err := binary.Write(&buf, binary.LittleEndian, &m.status); err != nil {
		return fmt.Errorf("%w: encode boot status: %v", vmgerr.ErrIO, err)
	}

	if err := renameio.WriteFile(m.cfg.BootStatusPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: persist boot status: %v", vmgerr.ErrIO, err)
	}
	return nil
}

func (m *Manager) createSimulationEnvironment() error {
	for _, dir := range []string{
		filepath.Dir(m.cfg.PartitionA),
		filepath.Dir(m.cfg.PartitionB),
		m.cfg.DataMountPoint,
		filepath.Dir(m.cfg.BootStatusPath),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", vmgerr.ErrIO, dir, err)
		}
	}

	for _, path := range []string{m.cfg.PartitionA, m.cfg.PartitionB} {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("%w: create partition image %s: %v", vmgerr.ErrIO, path, err)
		}
		if err := f.Truncate(simPartitionSize); err != nil {
			f.Close()
			return fmt.Errorf("%w: size partition image %s: %v", vmgerr.ErrIO, path, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("%w: close partition image %s: %v", vmgerr.ErrIO, path, err)
		}
	}

	m.logger.Info("Simulation environment ready",
		"partitionA", m.cfg.PartitionA, "partitionB", m.cfg.PartitionB)
	return nil
}

// mountDataPartition ensures the persistent data partition is mounted,
// delegating to the system mount helper.
func (m *Manager) mountDataPartition() error {
	if m.isDataPartitionMounted() {
		return nil
	}
	if err := os.MkdirAll(m.cfg.DataMountPoint, 0o755); err != nil {
		return fmt.Errorf("%w: create mount point: %v", vmgerr.ErrIO, err)
	}

	out, err := exec.Command("mount", m.cfg.DataPartition, m.cfg.DataMountPoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: mount %s on %s: %v (%s)",
			vmgerr.ErrIO, m.cfg.DataPartition, m.cfg.DataMountPoint, err, strings.TrimSpace(string(out)))
	}
	m.logger.Info("Data partition mounted", "device", m.cfg.DataPartition, "mountPoint", m.cfg.DataMountPoint)
	return nil
}

func (m *Manager) isDataPartitionMounted() bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == m.cfg.DataMountPoint {
			return true
		}
	}
	return false
}
