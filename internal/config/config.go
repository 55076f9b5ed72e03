// Package config loads the gateway's JSON configuration document.
package config

import (
	"fmt"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/zlseong/vmg/internal/partition"
	"github.com/zlseong/vmg/internal/pkgfile"
	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Vehicle    VehicleConfig    `json:"vehicle" mapstructure:"vehicle"`
	Device     DeviceConfig     `json:"device" mapstructure:"device"`
	ZGW        ZGWConfig        `json:"zgw" mapstructure:"zgw"`
	OTA        OTAConfig        `json:"ota" mapstructure:"ota"`
	Partition  partition.Config `json:"partition" mapstructure:"partition"`
	Readiness  ReadinessConfig  `json:"readiness" mapstructure:"readiness"`
	Monitoring MonitoringConfig `json:"monitoring" mapstructure:"monitoring"`
	Log        log.Options      `json:"log" mapstructure:"log"`
}

// ServerConfig locates the OTA backend.
type ServerConfig struct {
	Host string     `json:"host" mapstructure:"host"`
	HTTP HTTPConfig `json:"http" mapstructure:"http"`
	MQTT MQTTConfig `json:"mqtt" mapstructure:"mqtt"`
}

// HTTPConfig configures the backend HTTP API.
type HTTPConfig struct {
	Port     int             `json:"port" mapstructure:"port"`
	UseHTTPS bool            `json:"use_https" mapstructure:"use_https"`
	APIBase  string          `json:"api_base" mapstructure:"api_base"`
	Insecure bool            `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	Endpoint EndpointsConfig `json:"endpoints" mapstructure:"endpoints"`
}

// EndpointsConfig names the backend API paths the gateway calls.
type EndpointsConfig struct {
	Health    string `json:"health" mapstructure:"health"`
	VCIUpload string `json:"vci_upload" mapstructure:"vci_upload"`
	OTACheck  string `json:"ota_check" mapstructure:"ota_check"`
	OTAStatus string `json:"ota_status" mapstructure:"ota_status"`
}

// MQTTConfig configures the backend MQTT link.
type MQTTConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	UseTLS       bool   `json:"use_tls" mapstructure:"use_tls"`
	Username     string `json:"username" mapstructure:"username"`
	Password     string `json:"password" mapstructure:"password"`
	KeepAliveSec int    `json:"keep_alive_sec" mapstructure:"keep_alive_sec"`
	CleanSession bool   `json:"clean_session" mapstructure:"clean_session"`
	QoS          int    `json:"qos" mapstructure:"qos"`
	TopicRoot    string `json:"topic_root" mapstructure:"topic_root"`
	Insecure     bool   `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// BrokerURL renders the broker address for the MQTT client.
func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.Server.MQTT.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Server.Host, c.Server.MQTT.Port)
}

// HTTPBaseURL renders the backend API prefix.
func (c *Config) HTTPBaseURL() string {
	scheme := "http"
	if c.Server.HTTP.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.Server.Host, c.Server.HTTP.Port, c.Server.HTTP.APIBase)
}

// VehicleConfig identifies this vehicle.
type VehicleConfig struct {
	VIN       string `json:"vin" mapstructure:"vin"`
	Model     string `json:"model" mapstructure:"model"`
	ModelYear uint16 `json:"model_year" mapstructure:"model_year"`
}

// DeviceConfig identifies this gateway unit.
type DeviceConfig struct {
	ID              string `json:"id" mapstructure:"id"`
	Name            string `json:"name" mapstructure:"name"`
	SoftwareVersion string `json:"software_version" mapstructure:"software_version"`
	HardwareVersion string `json:"hardware_version" mapstructure:"hardware_version"`
}

// ZGWConfig locates the primary Zone Gateway and the zone routing table.
type ZGWConfig struct {
	IPAddress string `json:"ip_address" mapstructure:"ip_address"`
	DoIPPort  uint16 `json:"doip_port" mapstructure:"doip_port"`

	// Routing maps zone numbers (JSON object keys, so strings) to ZGW
	// endpoints. Unlisted zones use the built-in ranges.
	Routing map[string]pkgfile.ZGWEndpoint `json:"routing" mapstructure:"routing"`

	// AllowMockFallback substitutes canned VCI/readiness data when the
	// ZGW is unreachable. Development only; defaults off.
	AllowMockFallback bool `json:"allow_mock_fallback" mapstructure:"allow_mock_fallback"`
}

// RoutingTable converts the configured routing map.
func (z *ZGWConfig) RoutingTable() (pkgfile.RoutingTable, error) {
	if len(z.Routing) == 0 {
		return nil, nil
	}
	rt := make(pkgfile.RoutingTable, len(z.Routing))
	for key, ep := range z.Routing {
		zone, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: routing key %q is not a zone number", vmgerr.ErrConfig, key)
		}
		rt[uint8(zone)] = ep
	}
	return rt, nil
}

// OTAConfig sets the working directories for package handling.
type OTAConfig struct {
	DownloadPath     string `json:"download_path" mapstructure:"download_path"`
	InstallPath      string `json:"install_path" mapstructure:"install_path"`
	MaxPackageSizeMB int    `json:"max_package_size_mb" mapstructure:"max_package_size_mb"`
}

// ReadinessConfig holds the OTA readiness thresholds. It is hot-reloadable.
type ReadinessConfig struct {
	MinBatteryPercent     int  `json:"min_battery_percent" mapstructure:"min_battery_percent"`
	MinFreeSpaceMB        int  `json:"min_free_space_mb" mapstructure:"min_free_space_mb"`
	MaxTemperatureCelsius int  `json:"max_temperature_celsius" mapstructure:"max_temperature_celsius"`
	CheckEngineOff        bool `json:"check_engine_off" mapstructure:"check_engine_off"`
	CheckParkingBrake     bool `json:"check_parking_brake" mapstructure:"check_parking_brake"`
	CheckNetworkStable    bool `json:"check_network_stable" mapstructure:"check_network_stable"`
}

// MonitoringConfig controls heartbeat reporting and the local diagnostics
// server.
type MonitoringConfig struct {
	HeartbeatEnabled      bool   `json:"heartbeat_enabled" mapstructure:"heartbeat_enabled"`
	HeartbeatIntervalSec  int    `json:"heartbeat_interval_sec" mapstructure:"heartbeat_interval_sec"`
	DiagnosticsListenAddr string `json:"diagnostics_listen_addr" mapstructure:"diagnostics_listen_addr"`
}

// Loader reads the configuration file and watches it for changes.
type Loader struct {
	v      *viper.Viper
	logger log.Logger
}

// NewLoader creates a loader for the JSON document at path.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	return &Loader{v: v, logger: log.WithName("config")}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read config: %v", vmgerr.ErrConfig, err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", vmgerr.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-reads the file whenever it changes and hands the new config to
// onChange. Invalid replacements are logged and dropped.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("Configuration file changed", "file", e.Name, "op", e.Op.String())

		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			l.logger.Error(err, "Ignoring unreadable config update")
			return
		}
		if err := cfg.Validate(); err != nil {
			l.logger.Error(err, "Ignoring invalid config update")
			return
		}
		onChange(&cfg)
	})
	l.v.WatchConfig()
}

// Validate checks the fields the core cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.Vehicle.VIN == "":
		return fmt.Errorf("%w: vehicle.vin is required", vmgerr.ErrConfig)
	case c.Vehicle.Model == "":
		return fmt.Errorf("%w: vehicle.model is required", vmgerr.ErrConfig)
	case c.Server.Host == "":
		return fmt.Errorf("%w: server.host is required", vmgerr.ErrConfig)
	case c.ZGW.IPAddress == "":
		return fmt.Errorf("%w: zgw.ip_address is required", vmgerr.ErrConfig)
	case c.OTA.DownloadPath == "":
		return fmt.Errorf("%w: ota.download_path is required", vmgerr.ErrConfig)
	case c.Partition.BootStatusPath == "":
		return fmt.Errorf("%w: partition.boot_status_path is required", vmgerr.ErrConfig)
	}
	if _, err := c.ZGW.RoutingTable(); err != nil {
		return err
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http.port", 5000)
	v.SetDefault("server.http.api_base", "/api/v1")
	v.SetDefault("server.http.endpoints.health", "/health")
	v.SetDefault("server.http.endpoints.vci_upload", "/vci")
	v.SetDefault("server.http.endpoints.ota_check", "/ota/check")
	v.SetDefault("server.http.endpoints.ota_status", "/ota/status")
	v.SetDefault("server.mqtt.port", 1883)
	v.SetDefault("server.mqtt.keep_alive_sec", 60)
	v.SetDefault("server.mqtt.qos", 1)
	v.SetDefault("server.mqtt.topic_root", "oem")
	v.SetDefault("zgw.doip_port", 13400)
	v.SetDefault("ota.max_package_size_mb", 512)
	v.SetDefault("partition.partition_a", "/dev/mmcblk0p2")
	v.SetDefault("partition.partition_b", "/dev/mmcblk0p3")
	v.SetDefault("partition.data_partition", "/dev/mmcblk0p4")
	v.SetDefault("partition.data_mount_point", "/mnt/data")
	v.SetDefault("readiness.min_battery_percent", 30)
	v.SetDefault("readiness.min_free_space_mb", 500)
	v.SetDefault("readiness.max_temperature_celsius", 70)
	v.SetDefault("readiness.check_engine_off", true)
	v.SetDefault("readiness.check_parking_brake", true)
	v.SetDefault("readiness.check_network_stable", true)
	v.SetDefault("monitoring.heartbeat_enabled", true)
	v.SetDefault("monitoring.heartbeat_interval_sec", 30)
	v.SetDefault("monitoring.diagnostics_listen_addr", "127.0.0.1:9290")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
