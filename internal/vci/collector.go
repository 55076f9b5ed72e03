// Package vci collects Vehicle Configuration Information from the ZGW and
// uploads it to the OTA backend.
package vci

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zlseong/vmg/internal/doip"
	"github.com/zlseong/vmg/internal/httpc"
	"github.com/zlseong/vmg/internal/metrics"
	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// ZGWClient is the slice of the DoIP client the collector needs.
type ZGWClient interface {
	IsActive() bool
	Connect() error
	RequestVCICollection() error
	RequestVCIReport() ([]doip.VCIInfo, error)
}

// Document is the JSON report uploaded to the backend.
type Document struct {
	DeviceID  string         `json:"device_id"`
	VIN       string         `json:"vin"`
	Timestamp int64          `json:"timestamp"`
	Trigger   string         `json:"trigger"`
	ECUs      []doip.VCIInfo `json:"ecus"`
}

// Collector drives the VCI routine pair against the ZGW and pushes the
// result to the backend VCI endpoint.
type Collector struct {
	deviceID string
	vin      string
	endpoint string

	zgw  ZGWClient
	http *httpc.Client

	// allowMockFallback substitutes canned data when the ZGW cannot be
	// reached. Gated by configuration; off in production.
	allowMockFallback bool

	logger log.Logger
}

// New creates a collector. endpoint is the backend upload path.
func New(deviceID, vin, endpoint string, zgw ZGWClient, httpCli *httpc.Client, allowMockFallback bool) *Collector {
	return &Collector{
		deviceID:          deviceID,
		vin:               vin,
		endpoint:          endpoint,
		zgw:               zgw,
		http:              httpCli,
		allowMockFallback: allowMockFallback,
		logger:            log.WithName("vci"),
	}
}

// Collect queries the ZGW for the current VCI of every ECU.
func (c *Collector) Collect(trigger string) (*Document, error) {
	infos, err := c.query()
	if err != nil {
		if !c.allowMockFallback {
			return nil, err
		}
		c.logger.Warn("ZGW unreachable, using mock VCI data", "reason", err.Error())
		infos = mockVCI()
		trigger = "doip_fallback"
	}

	doc := &Document{
		DeviceID:  c.deviceID,
		VIN:       c.vin,
		Timestamp: time.Now().Unix(),
		Trigger:   trigger,
		ECUs:      infos,
	}
	c.logger.Info("VCI collected", "ecus", len(infos), "trigger", trigger)
	return doc, nil
}

func (c *Collector) query() ([]doip.VCIInfo, error) {
	if !c.zgw.IsActive() {
		if err := c.zgw.Connect(); err != nil {
			return nil, err
		}
	}
	if err := c.zgw.RequestVCICollection(); err != nil {
		return nil, err
	}
	return c.zgw.RequestVCIReport()
}

// Upload posts the document to the backend.
func (c *Collector) Upload(ctx context.Context, doc *Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode VCI document: %v", vmgerr.ErrIO, err)
	}

	resp, err := c.http.PostJSON(ctx, c.endpoint, payload)
	if err != nil {
		metrics.VCIUploads.WithLabelValues("error").Inc()
		return err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		metrics.VCIUploads.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: VCI upload rejected with HTTP %d", vmgerr.ErrIO, resp.StatusCode)
	}

	metrics.VCIUploads.WithLabelValues("ok").Inc()
	c.logger.Info("VCI uploaded", "ecus", len(doc.ECUs))
	return nil
}

// CollectAndUpload runs the full collect-then-upload sequence.
func (c *Collector) CollectAndUpload(ctx context.Context, trigger string) error {
	doc, err := c.Collect(trigger)
	if err != nil {
		return err
	}
	return c.Upload(ctx, doc)
}

// mockVCI is the development fallback data set.
func mockVCI() []doip.VCIInfo {
	return []doip.VCIInfo{
		{ECUID: "ECU_011", SWVersion: "1.1.2", HWVersion: "2.0", SerialNumber: "011000001"},
		{ECUID: "ECU_021", SWVersion: "1.0.5", HWVersion: "1.5", SerialNumber: "021000001"},
		{ECUID: "ECU_031", SWVersion: "2.3.1", HWVersion: "3.0", SerialNumber: "031000001"},
	}
}
