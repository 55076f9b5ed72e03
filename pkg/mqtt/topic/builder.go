package topic

import (
	"fmt"
)

// Topic segments shared between the OEM backend and the vehicle gateway.
// These form the protocol contract; changing them breaks deployed vehicles.
const (
	// SuffixCommand is the downstream command topic (Backend -> VMG).
	// Structure: {root}/{vin}/command
	SuffixCommand = "command"

	// SuffixStatus is the upstream status/heartbeat topic (VMG -> Backend).
	// Structure: {root}/{vin}/status
	SuffixStatus = "status"

	// SuffixOTAProgress is the upstream OTA progress topic (VMG -> Backend).
	// Structure: {root}/{vin}/ota/progress
	SuffixOTAProgress = "ota/progress"

	// SuffixOTACampaign is the downstream campaign announcement topic.
	// Structure: {root}/{vin}/ota/campaign
	SuffixOTACampaign = "ota/campaign"

	// SuffixOTAMetadata is the downstream package metadata topic.
	// Structure: {root}/{vin}/ota/metadata
	SuffixOTAMetadata = "ota/metadata"

	// SuffixVCI is the upstream VCI report topic (VMG -> Backend).
	// Structure: {root}/{vin}/vci
	SuffixVCI = "vci"

	// SuffixReadiness is the upstream readiness report topic (VMG -> Backend).
	// Structure: {root}/{vin}/readiness
	SuffixReadiness = "readiness"
)

// Builder constructs the MQTT topic strings for a single vehicle identified
// by VIN. Topic shape: {root}/{vin}/{suffix}.
type Builder struct {
	// root is the base namespace for all topics (e.g. "oem").
	root string
	vin  string
}

// NewBuilder creates a Builder for the given root namespace and VIN.
func NewBuilder(root, vin string) *Builder {
	return &Builder{root: root, vin: vin}
}

// Command returns the downstream command topic for this vehicle.
func (b *Builder) Command() string {
	return b.build(SuffixCommand)
}

// Status returns the upstream status/heartbeat topic.
func (b *Builder) Status() string {
	return b.build(SuffixStatus)
}

// OTAProgress returns the upstream OTA progress topic.
func (b *Builder) OTAProgress() string {
	return b.build(SuffixOTAProgress)
}

// OTACampaign returns the downstream OTA campaign topic.
func (b *Builder) OTACampaign() string {
	return b.build(SuffixOTACampaign)
}

// OTAMetadata returns the downstream OTA package metadata topic.
func (b *Builder) OTAMetadata() string {
	return b.build(SuffixOTAMetadata)
}

// VCI returns the upstream VCI report topic.
func (b *Builder) VCI() string {
	return b.build(SuffixVCI)
}

// Readiness returns the upstream readiness report topic.
func (b *Builder) Readiness() string {
	return b.build(SuffixReadiness)
}

func (b *Builder) build(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", b.root, b.vin, suffix)
}
