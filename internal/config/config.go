// Package config loads and validates the OEE core's configuration surface
// (spec §6). Values come from a YAML file, overridable by environment
// variables; an optional .env file is loaded first for local development,
// matching the teacher's iot_simulator (github.com/joho/godotenv) and
// alibo/iotsense's YAML-plus-env-defaults shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/schmeckm/OEE-Solution-sub000/internal/errs"
)

// MQTT holds broker connection and TLS configuration.
type MQTT struct {
	BrokerURL string `yaml:"brokerUrl"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	TLSKey  string `yaml:"tlsKey"`
	TLSCert string `yaml:"tlsCert"`
	TLSCA   string `yaml:"tlsCa"`

	// Method selects the topic family: "parris" (the canonical spBv1.0
	// grammar, spec §4.2) or "schultz" (a plant/area-first layout used by
	// brokers that group topics by site before protocol). It only chooses
	// TopicFormat's default; an explicit TopicFormat always wins.
	Method string `yaml:"method"`
	// TopicFormat is the template used to construct and parse per-metric
	// topics. Must contain the {dataType}, {lineCode}, and {metricName}
	// placeholders; {plant} and {area} are also substituted when present.
	TopicFormat string `yaml:"topicFormat"`

	SubscribeRetries int           `yaml:"subscribeRetries"`
	SubscribeBackoff time.Duration `yaml:"subscribeBackoff"`
	WatchdogTimeout  time.Duration `yaml:"watchdogTimeout"`
}

// tlsSet reports whether a TLS field is actually configured; the literal
// string "null" is treated as unset (spec §6).
func tlsSet(v string) bool { return v != "" && v != "null" }

// TLSEnabled reports whether mTLS material was supplied.
func (m MQTT) TLSEnabled() bool {
	return tlsSet(m.TLSKey) || tlsSet(m.TLSCert) || tlsSet(m.TLSCA)
}

// ReferenceData holds the upstream REST provider's base URL and overrides.
type ReferenceData struct {
	BaseURL              string        `yaml:"baseUrl"`
	PlannedDowntimeAPIURL string       `yaml:"plannedDowntimeApiUrl"`
	RequestTimeout        time.Duration `yaml:"requestTimeout"`
}

// Sink holds the optional time-series sink configuration.
type Sink struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`

	// WriteOnCompletionOnly resolves spec §9 open question (i): whether a
	// time-series point is written every compute cycle or only once the
	// order completes.
	WriteOnCompletionOnly bool          `yaml:"writeOnCompletionOnly"`
	WriteTimeout          time.Duration `yaml:"writeTimeout"`
}

// Enabled reports whether enough fields are set to activate the sink
// (spec §6: "enables sink when all set").
func (s Sink) Enabled() bool {
	return s.URL != "" && s.Token != "" && s.Org != "" && s.Bucket != ""
}

// Server holds the fan-out HTTP/WebSocket listener configuration.
type Server struct {
	ListenAddr         string `yaml:"listenAddr"`
	WebsocketEnabled   bool   `yaml:"websocketEnabled"`
	GracefulGracePeriod time.Duration `yaml:"gracefulGracePeriod"`
}

// Config is the full validated configuration surface (spec §6).
type Config struct {
	MQTT           MQTT          `yaml:"mqtt"`
	ReferenceData  ReferenceData `yaml:"referenceData"`
	Sink           Sink          `yaml:"sink"`
	Server         Server        `yaml:"server"`

	ThresholdSeconds float64 `yaml:"thresholdSeconds"`
	OEEAsPercent     bool    `yaml:"oeeAsPercent"`

	LogLevel string `yaml:"logLevel"`
}

// Load reads the YAML file at path, loads .env from the working directory
// if present, applies defaults, overlays environment variable overrides,
// and validates the result. A missing required field surfaces as *errs.ConfigError.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Field: "file:" + path, Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errs.ConfigError{Field: "yaml", Cause: err}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MQTT.Method == "" {
		cfg.MQTT.Method = "parris"
	}
	if cfg.MQTT.TopicFormat == "" {
		switch cfg.MQTT.Method {
		case "schultz":
			cfg.MQTT.TopicFormat = "{plant}/{area}/{lineCode}/spBv1.0/{dataType}/{metricName}"
		default:
			cfg.MQTT.TopicFormat = "spBv1.0/{plant}/{area}/{dataType}/{lineCode}/{metricName}"
		}
	}
	if cfg.MQTT.SubscribeRetries == 0 {
		cfg.MQTT.SubscribeRetries = 5
	}
	if cfg.MQTT.SubscribeBackoff == 0 {
		cfg.MQTT.SubscribeBackoff = 500 * time.Millisecond
	}
	if cfg.MQTT.WatchdogTimeout == 0 {
		cfg.MQTT.WatchdogTimeout = 60 * time.Second
	}
	if cfg.ReferenceData.RequestTimeout == 0 {
		cfg.ReferenceData.RequestTimeout = 10 * time.Second
	}
	if cfg.Sink.WriteTimeout == 0 {
		cfg.Sink.WriteTimeout = 5 * time.Second
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.GracefulGracePeriod == 0 {
		cfg.Server.GracefulGracePeriod = 5 * time.Second
	}
	if cfg.ThresholdSeconds == 0 {
		cfg.ThresholdSeconds = 300
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.MQTT.BrokerURL, "MQTT_BROKER_URL")
	overrideString(&cfg.MQTT.Username, "MQTT_USERNAME")
	overrideString(&cfg.MQTT.Password, "MQTT_PASSWORD")
	overrideString(&cfg.MQTT.TLSKey, "MQTT_TLS_KEY")
	overrideString(&cfg.MQTT.TLSCert, "MQTT_TLS_CERT")
	overrideString(&cfg.MQTT.TLSCA, "MQTT_TLS_CA")
	overrideString(&cfg.ReferenceData.BaseURL, "REFDATA_BASE_URL")
	overrideString(&cfg.ReferenceData.PlannedDowntimeAPIURL, "PLANNED_DOWNTIME_API_URL")
	overrideString(&cfg.Sink.URL, "SINK_URL")
	overrideString(&cfg.Sink.Token, "SINK_TOKEN")
	overrideString(&cfg.Sink.Org, "SINK_ORG")
	overrideString(&cfg.Sink.Bucket, "SINK_BUCKET")
	overrideFloat(&cfg.ThresholdSeconds, "THRESHOLD_SECONDS")
	overrideBool(&cfg.OEEAsPercent, "OEE_AS_PERCENT")
	overrideBool(&cfg.Server.WebsocketEnabled, "WEBSOCKET_ENABLED")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func overrideFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overrideBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks required fields, per spec §6 ("all validated at startup,
// startup fails if required fields are missing").
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return &errs.ConfigError{Field: "mqtt.brokerUrl"}
	}
	if c.MQTT.Method != "parris" && c.MQTT.Method != "schultz" {
		return &errs.ConfigError{Field: "mqtt.method", Cause: fmt.Errorf("must be parris or schultz, got %q", c.MQTT.Method)}
	}
	for _, placeholder := range []string{"{dataType}", "{lineCode}", "{metricName}"} {
		if !strings.Contains(c.MQTT.TopicFormat, placeholder) {
			return &errs.ConfigError{Field: "mqtt.topicFormat", Cause: fmt.Errorf("missing required placeholder %s", placeholder)}
		}
	}
	if c.ReferenceData.BaseURL == "" {
		return &errs.ConfigError{Field: "referenceData.baseUrl"}
	}
	if c.ThresholdSeconds <= 0 {
		return &errs.ConfigError{Field: "thresholdSeconds", Cause: fmt.Errorf("must be positive")}
	}
	return nil
}
