package ota

// State is the OTA lifecycle state. The string values appear verbatim in
// progress reports published to the backend.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateVerifying   State = "verifying"
	StateInstalling  State = "installing"
	StateReady       State = "ready"
	StateError       State = "error"
	StateCompleted   State = "completed"
)

// Event is the progress sum type emitted by the orchestrator. The
// messaging layer serializes the orchestrator's Progress snapshot whenever
// one arrives.
type Event interface {
	isEvent()
}

// StateChange reports entry into a new lifecycle state.
type StateChange struct {
	State State
	Step  string
}

// ByteProgress reports transfer progress. During download the counters are
// file bytes; during zone dispatch they are delivered package bytes.
type ByteProgress struct {
	Downloaded uint64
	Total      uint64
	Percentage int
}

// Completed reports a finished OTA transaction.
type Completed struct{}

// Failed reports a terminal failure with its machine-readable kind.
type Failed struct {
	Kind    string
	Message string
}

func (StateChange) isEvent()  {}
func (ByteProgress) isEvent() {}
func (Completed) isEvent()    {}
func (Failed) isEvent()       {}

// Sink receives progress events. A nil sink discards them.
type Sink func(Event)

// Progress is the externally visible snapshot of the current transaction,
// serialized as-is onto the progress topic.
type Progress struct {
	State           State  `json:"state"`
	Percentage      int    `json:"percentage"`
	DownloadedBytes uint64 `json:"downloaded_bytes"`
	TotalBytes      uint64 `json:"total_bytes"`
	CurrentStep     string `json:"current_step"`
	Error           string `json:"error,omitempty"`
}
