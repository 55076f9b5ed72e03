package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zlseong/vmg/internal/ota"
	"github.com/zlseong/vmg/internal/partition"
)

// diagStatus is the JSON document served on /status.
type diagStatus struct {
	DeviceID   string       `json:"device_id"`
	VIN        string       `json:"vin"`
	OTA        ota.Progress `json:"ota"`
	Partitions struct {
		Active    string `json:"active"`
		StateA    string `json:"state_a"`
		StateB    string `json:"state_b"`
		BootCount uint32 `json:"boot_count"`
	} `json:"partitions"`
}

// runDiagServer serves the local diagnostics endpoints: liveness,
// Prometheus metrics, and a JSON status snapshot.
func (g *Gateway) runDiagServer(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", g.handleDiagStatus).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    g.cfg.Monitoring.DiagnosticsListenAddr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()

	g.logger.Info("Diagnostics server listening", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) handleDiagStatus(w http.ResponseWriter, _ *http.Request) {
	var doc diagStatus
	doc.DeviceID = g.cfg.Device.ID
	doc.VIN = g.cfg.Vehicle.VIN
	doc.OTA = g.orch.Progress()

	status := g.partitions.Status()
	doc.Partitions.Active = g.partitions.Active().String()
	doc.Partitions.StateA = partition.State(status.StateA).String()
	doc.Partitions.StateB = partition.State(status.StateB).String()
	doc.Partitions.BootCount = status.BootCount

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}
