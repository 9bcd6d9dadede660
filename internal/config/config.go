package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
	Rejects     RejectsConfig     `json:"rejects" yaml:"rejects"`
}

type IngestConfig struct {
	ChannelBuffer int               `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration     `json:"dedupe_window" yaml:"dedupe_window"`
	Topics        TopicPolicyConfig `json:"topics" yaml:"topics"`
	REST          RESTConfig        `json:"rest" yaml:"rest"`
	MQTT          MQTTConfig        `json:"mqtt" yaml:"mqtt"`
	Kafka         KafkaConfig       `json:"kafka" yaml:"kafka"`
	RedisStream   RedisStreamConfig `json:"redis_stream" yaml:"redis_stream"`
	TCPStream     TCPStreamConfig   `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig    `json:"file_tail" yaml:"file_tail"`
}

// TopicPolicyConfig restricts which topics the ingest path stores. Entries
// may use MQTT wildcards.
type TopicPolicyConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	AllowOnly bool     `json:"allow_only" yaml:"allow_only"`
	Allow     []string `json:"allow" yaml:"allow"`
	Deny      []string `json:"deny" yaml:"deny"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MQTTConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Broker   string   `json:"broker" yaml:"broker"`
	ClientID string   `json:"client_id" yaml:"client_id"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	Topics   []string `json:"topics" yaml:"topics"`
	QoS      byte     `json:"qos" yaml:"qos"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type RedisStreamConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Stream   string `json:"stream" yaml:"stream"`
	Group    string `json:"group" yaml:"group"`
	Consumer string `json:"consumer" yaml:"consumer"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type AggregationConfig struct {
	MotionTopic  string        `json:"motion_topic" yaml:"motion_topic"`
	HourlyDays   int           `json:"hourly_days" yaml:"hourly_days"`
	InsightsDays int           `json:"insights_days" yaml:"insights_days"`
	HistoryDays  int           `json:"history_days" yaml:"history_days"`
	MaxDays      int           `json:"max_days" yaml:"max_days"`
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	SkipLogEvery time.Duration `json:"skip_log_every" yaml:"skip_log_every"`
}

type APIConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Addr        string   `json:"addr" yaml:"addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int  `json:"store_limit" yaml:"store_limit"`
	Prometheus bool `json:"prometheus" yaml:"prometheus"`
}

type RejectsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  2 * time.Second,
			REST:          RESTConfig{Enabled: true, Addr: ":5001"},
			MQTT: MQTTConfig{
				Enabled:  false,
				Broker:   "tcp://localhost:1883",
				ClientID: "homesense",
				Topics:   []string{"home/#"},
				QoS:      1,
			},
			Kafka:       KafkaConfig{Enabled: false},
			RedisStream: RedisStreamConfig{Enabled: false, Addr: "localhost:6379", Stream: "homesense:events", Group: "homesense", Consumer: "homesense-1"},
			TCPStream:   TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:    FileTailConfig{Enabled: false, StartAtEnd: true},
		},
		Aggregation: AggregationConfig{
			MotionTopic:  "home/security/door/motion",
			HourlyDays:   7,
			InsightsDays: 30,
			HistoryDays:  90,
			MaxDays:      366,
			FetchTimeout: 10 * time.Second,
			SkipLogEvery: 30 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":5000", CORSOrigins: []string{"*"}},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:homesense.db?_pragma=busy_timeout(5000)"},
		Metrics: MetricsConfig{StoreLimit: 5000, Prometheus: true},
		Rejects: RejectsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Aggregation.MotionTopic == "" {
		cfg.Aggregation.MotionTopic = def.Aggregation.MotionTopic
	}
	if cfg.Aggregation.HourlyDays <= 0 {
		cfg.Aggregation.HourlyDays = def.Aggregation.HourlyDays
	}
	if cfg.Aggregation.InsightsDays <= 0 {
		cfg.Aggregation.InsightsDays = def.Aggregation.InsightsDays
	}
	if cfg.Aggregation.HistoryDays <= 0 {
		cfg.Aggregation.HistoryDays = def.Aggregation.HistoryDays
	}
	if cfg.Aggregation.MaxDays <= 0 {
		cfg.Aggregation.MaxDays = def.Aggregation.MaxDays
	}
	if cfg.Aggregation.FetchTimeout <= 0 {
		cfg.Aggregation.FetchTimeout = def.Aggregation.FetchTimeout
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Rejects.StoreLimit <= 0 {
		cfg.Rejects.StoreLimit = def.Rejects.StoreLimit
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = def.Ingest.MQTT.ClientID
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" || len(cfg.Ingest.MQTT.Topics) == 0 {
			return errors.New("ingest.mqtt requires broker and topics")
		}
		if cfg.Ingest.MQTT.QoS > 2 {
			return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2: %d", cfg.Ingest.MQTT.QoS)
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.RedisStream.Enabled {
		rs := cfg.Ingest.RedisStream
		if rs.Addr == "" || rs.Stream == "" || rs.Group == "" || rs.Consumer == "" {
			return errors.New("ingest.redis_stream requires addr, stream, group, consumer")
		}
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	agg := cfg.Aggregation
	for name, days := range map[string]int{
		"hourly_days":   agg.HourlyDays,
		"insights_days": agg.InsightsDays,
		"history_days":  agg.HistoryDays,
	} {
		if days > agg.MaxDays {
			return fmt.Errorf("aggregation.%s exceeds aggregation.max_days: %d > %d", name, days, agg.MaxDays)
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config. Update only swaps the value;
// Reload fails since there is no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path == "" {
		m.cfg.Store(cfg)
		return nil
	}
	if err := Save(m.path, cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
