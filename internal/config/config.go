package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"fairwatch/internal/model"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest"`
	Fairness   FairnessConfig   `json:"fairness" yaml:"fairness"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection"`
	Monitoring MonitoringConfig `json:"monitoring" yaml:"monitoring"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Lease      LeaseConfig      `json:"lease" yaml:"lease"`
	API        APIConfig        `json:"api" yaml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled   bool    `json:"enabled" yaml:"enabled"`
	Addr      string  `json:"addr" yaml:"addr"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst"`
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

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone           string `json:"timezone" yaml:"timezone"`
	DefaultProcessType string `json:"default_process_type" yaml:"default_process_type"`
	DefaultProcessID   string `json:"default_process_id" yaml:"default_process_id"`
}

type FairnessConfig struct {
	MinGroupSize        int           `json:"min_group_size" yaml:"min_group_size"`
	MinTotalSamples     int           `json:"min_total_samples" yaml:"min_total_samples"`
	FourFifthsThreshold float64       `json:"four_fifths_threshold" yaml:"four_fifths_threshold"`
	OutlierZ            float64       `json:"outlier_z" yaml:"outlier_z"`
	Alpha               float64       `json:"alpha" yaml:"alpha"`
	ConfidenceLevel     float64       `json:"confidence_level" yaml:"confidence_level"`
	MediumEffect        float64       `json:"medium_effect" yaml:"medium_effect"`
	TargetPower         float64       `json:"target_power" yaml:"target_power"`
	BootstrapBelow      int           `json:"bootstrap_below" yaml:"bootstrap_below"`
	BootstrapResamples  int           `json:"bootstrap_resamples" yaml:"bootstrap_resamples"`
	BootstrapSeed       uint64        `json:"bootstrap_seed" yaml:"bootstrap_seed"`
	AggregateTolerance  float64       `json:"aggregate_tolerance" yaml:"aggregate_tolerance"`
	Weights             FamilyWeights `json:"weights" yaml:"weights"`
}

type FamilyWeights struct {
	DemographicParity  float64 `json:"demographic_parity" yaml:"demographic_parity"`
	EqualizedOdds      float64 `json:"equalized_odds" yaml:"equalized_odds"`
	PredictiveEquality float64 `json:"predictive_equality" yaml:"predictive_equality"`
	TreatmentEquality  float64 `json:"treatment_equality" yaml:"treatment_equality"`
	DisparateImpact    float64 `json:"disparate_impact" yaml:"disparate_impact"`
}

func (w FamilyWeights) For(f model.MetricFamily) float64 {
	switch f {
	case model.FamilyDemographicParity:
		return w.DemographicParity
	case model.FamilyEqualizedOdds:
		return w.EqualizedOdds
	case model.FamilyPredictiveEquality:
		return w.PredictiveEquality
	case model.FamilyTreatmentEquality:
		return w.TreatmentEquality
	case model.FamilyDisparateImpact:
		return w.DisparateImpact
	}
	return 0
}

type Threshold struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

type Thresholds struct {
	DemographicParity  Threshold `json:"demographic_parity" yaml:"demographic_parity"`
	EqualizedOdds      Threshold `json:"equalized_odds" yaml:"equalized_odds"`
	PredictiveEquality Threshold `json:"predictive_equality" yaml:"predictive_equality"`
	TreatmentEquality  Threshold `json:"treatment_equality" yaml:"treatment_equality"`
	DisparateImpact    Threshold `json:"disparate_impact" yaml:"disparate_impact"`
}

func (t Thresholds) For(f model.MetricFamily) Threshold {
	switch f {
	case model.FamilyDemographicParity:
		return t.DemographicParity
	case model.FamilyEqualizedOdds:
		return t.EqualizedOdds
	case model.FamilyPredictiveEquality:
		return t.PredictiveEquality
	case model.FamilyTreatmentEquality:
		return t.TreatmentEquality
	case model.FamilyDisparateImpact:
		return t.DisparateImpact
	}
	return Threshold{}
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DemographicParity:  Threshold{Warning: 0.8, Critical: 0.6},
		EqualizedOdds:      Threshold{Warning: 0.7, Critical: 0.5},
		PredictiveEquality: Threshold{Warning: 0.7, Critical: 0.5},
		TreatmentEquality:  Threshold{Warning: 0.7, Critical: 0.5},
		DisparateImpact:    Threshold{Warning: 0.7, Critical: 0.5},
	}
}

// ValidateThresholds requires 0 <= critical <= warning <= 1 for every family.
func ValidateThresholds(t Thresholds) error {
	for _, f := range model.Families {
		th := t.For(f)
		if math.IsNaN(th.Warning) || math.IsNaN(th.Critical) {
			return fmt.Errorf("%w: %s threshold is NaN", model.ErrThresholdConfigInvalid, f)
		}
		if th.Critical < 0 || th.Warning > 1 {
			return fmt.Errorf("%w: %s thresholds must lie in [0,1]", model.ErrThresholdConfigInvalid, f)
		}
		if th.Critical > th.Warning {
			return fmt.Errorf("%w: %s critical %.2f above warning %.2f", model.ErrThresholdConfigInvalid, f, th.Critical, th.Warning)
		}
	}
	return nil
}

type TermRule struct {
	Term           string `json:"term" yaml:"term"`
	BiasType       string `json:"bias_type" yaml:"bias_type"`
	Severity       string `json:"severity" yaml:"severity"`
	Recommendation string `json:"recommendation" yaml:"recommendation"`
}

type QuickCheckConfig struct {
	Enabled        bool                  `json:"enabled" yaml:"enabled"`
	Terms          []TermRule            `json:"terms" yaml:"terms"`
	ProcessTerms   map[string][]TermRule `json:"process_terms" yaml:"process_terms"`
	SelectionRatio float64               `json:"selection_ratio" yaml:"selection_ratio"`
	MinGroupSize   int                   `json:"min_group_size" yaml:"min_group_size"`
	FlagPenalty    float64               `json:"flag_penalty" yaml:"flag_penalty"`
}

type DetectionConfig struct {
	Thresholds        Thresholds       `json:"thresholds" yaml:"thresholds"`
	MediumBand        float64          `json:"medium_band" yaml:"medium_band"`
	StatisticalEffect float64          `json:"statistical_effect" yaml:"statistical_effect"`
	PracticalEffect   float64          `json:"practical_effect" yaml:"practical_effect"`
	QuickCheck        QuickCheckConfig `json:"quick_check" yaml:"quick_check"`
}

type MonitoringConfig struct {
	Workers       int           `json:"workers" yaml:"workers"`
	TickInterval  time.Duration `json:"tick_interval" yaml:"tick_interval"`
	HistoryWindow time.Duration `json:"history_window" yaml:"history_window"`
	HistoryLimit  int           `json:"history_limit" yaml:"history_limit"`
	DedupeTTL     time.Duration `json:"dedupe_ttl" yaml:"dedupe_ttl"`
	DedupeSize    int           `json:"dedupe_size" yaml:"dedupe_size"`
	MaxClockSkew  time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
}

type AlertsConfig struct {
	DedupWindow     time.Duration `json:"dedup_window" yaml:"dedup_window"`
	EscalationOwner string        `json:"escalation_owner" yaml:"escalation_owner"`
	MinSeverity     string        `json:"min_severity" yaml:"min_severity"`
	RetentionDays   int           `json:"retention_days" yaml:"retention_days"`
}

type AuditConfig struct {
	RetentionDays     int                 `json:"retention_days" yaml:"retention_days"`
	Frameworks        []string            `json:"frameworks" yaml:"frameworks"`
	ProcessFrameworks map[string][]string `json:"process_frameworks" yaml:"process_frameworks"`
}

type NotifyConfig struct {
	Log      bool              `json:"log" yaml:"log"`
	Kafka    KafkaNotifyConfig `json:"kafka" yaml:"kafka"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout"`
	Cooldown time.Duration     `json:"cooldown" yaml:"cooldown"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type LeaseConfig struct {
	Driver        string        `json:"driver" yaml:"driver"`
	RedisAddr     string        `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `json:"redis_password" yaml:"redis_password"`
	RedisDB       int           `json:"redis_db" yaml:"redis_db"`
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", RateLimit: 200, Burst: 400},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultProcessType: string(model.ProcessHiring), DefaultProcessID: "unknown"},
		},
		Fairness: FairnessConfig{
			MinGroupSize:        30,
			MinTotalSamples:     50,
			FourFifthsThreshold: 0.8,
			OutlierZ:            2.5,
			Alpha:               0.05,
			ConfidenceLevel:     0.95,
			MediumEffect:        0.5,
			TargetPower:         0.8,
			BootstrapBelow:      500,
			BootstrapResamples:  200,
			BootstrapSeed:       1,
			AggregateTolerance:  0.1,
			Weights: FamilyWeights{
				DemographicParity:  1,
				EqualizedOdds:      1,
				PredictiveEquality: 1,
				TreatmentEquality:  1,
				DisparateImpact:    1,
			},
		},
		Detection: DetectionConfig{
			Thresholds:        DefaultThresholds(),
			MediumBand:        0.10,
			StatisticalEffect: 0.5,
			PracticalEffect:   0.8,
			QuickCheck: QuickCheckConfig{
				Enabled:        true,
				SelectionRatio: 0.8,
				MinGroupSize:   5,
				FlagPenalty:    0.15,
				Terms: []TermRule{
					{Term: "culture fit", BiasType: string(model.BiasAffinity), Severity: string(model.SeverityHigh), Recommendation: "replace culture fit with documented job-related criteria"},
					{Term: "too old", BiasType: string(model.BiasStereotyping), Severity: string(model.SeverityCritical), Recommendation: "remove age-related commentary and re-review the decision"},
					{Term: "overqualified", BiasType: string(model.BiasStereotyping), Severity: string(model.SeverityMedium), Recommendation: "document the job-related reason for the overqualification concern"},
					{Term: "first impression", BiasType: string(model.BiasHaloHorn), Severity: string(model.SeverityMedium), Recommendation: "score against the structured rubric before recording impressions"},
				},
			},
		},
		Monitoring: MonitoringConfig{
			Workers:       4,
			TickInterval:  24 * time.Hour,
			HistoryWindow: 30 * 24 * time.Hour,
			HistoryLimit:  50000,
			DedupeTTL:     10 * time.Minute,
			DedupeSize:    10000,
			MaxClockSkew:  5 * time.Minute,
		},
		Alerts: AlertsConfig{
			EscalationOwner: "compliance-officer",
			MinSeverity:     string(model.SeverityMedium),
			RetentionDays:   365,
		},
		Audit: AuditConfig{
			RetentionDays: 2555,
			Frameworks:    []string{"EEOC_UGESP"},
			ProcessFrameworks: map[string][]string{
				string(model.ProcessHiring):   {"NYC_LL144"},
				string(model.ProcessMatching): {"EU_AI_ACT"},
			},
		},
		Notify:  NotifyConfig{Log: true, Timeout: 5 * time.Second, Cooldown: 15 * time.Minute},
		Lease:   LeaseConfig{Driver: "memory", TTL: 2 * time.Minute, RetryInterval: 50 * time.Millisecond},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:fairwatch.db?_pragma=busy_timeout(5000)"},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Tracing: TracingConfig{Enabled: false, Endpoint: "localhost:4317", Insecure: true, ServiceName: "fairwatch", SampleRatio: 1},
	}
}

// Clone returns a deep copy suitable for building an updated snapshot.
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		cp := *c
		return &cp
	}
	return out
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
	return Parse(content)
}

func Parse(content []byte) (*Config, error) {
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
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultProcessType == "" {
		cfg.Ingest.Parser.DefaultProcessType = def.Ingest.Parser.DefaultProcessType
	}
	if cfg.Ingest.Parser.DefaultProcessID == "" {
		cfg.Ingest.Parser.DefaultProcessID = def.Ingest.Parser.DefaultProcessID
	}
	if cfg.Ingest.REST.RateLimit <= 0 {
		cfg.Ingest.REST.RateLimit = def.Ingest.REST.RateLimit
	}
	if cfg.Ingest.REST.Burst <= 0 {
		cfg.Ingest.REST.Burst = def.Ingest.REST.Burst
	}
	f := &cfg.Fairness
	if f.MinGroupSize <= 0 {
		f.MinGroupSize = def.Fairness.MinGroupSize
	}
	if f.MinTotalSamples <= 0 {
		f.MinTotalSamples = def.Fairness.MinTotalSamples
	}
	if f.FourFifthsThreshold <= 0 {
		f.FourFifthsThreshold = def.Fairness.FourFifthsThreshold
	}
	if f.OutlierZ <= 0 {
		f.OutlierZ = def.Fairness.OutlierZ
	}
	if f.Alpha <= 0 {
		f.Alpha = def.Fairness.Alpha
	}
	if f.ConfidenceLevel <= 0 {
		f.ConfidenceLevel = def.Fairness.ConfidenceLevel
	}
	if f.MediumEffect <= 0 {
		f.MediumEffect = def.Fairness.MediumEffect
	}
	if f.TargetPower <= 0 {
		f.TargetPower = def.Fairness.TargetPower
	}
	if f.BootstrapBelow <= 0 {
		f.BootstrapBelow = def.Fairness.BootstrapBelow
	}
	if f.BootstrapResamples <= 0 {
		f.BootstrapResamples = def.Fairness.BootstrapResamples
	}
	if f.AggregateTolerance <= 0 {
		f.AggregateTolerance = def.Fairness.AggregateTolerance
	}
	if f.Weights == (FamilyWeights{}) {
		f.Weights = def.Fairness.Weights
	}
	d := &cfg.Detection
	if d.MediumBand <= 0 {
		d.MediumBand = def.Detection.MediumBand
	}
	if d.StatisticalEffect <= 0 {
		d.StatisticalEffect = def.Detection.StatisticalEffect
	}
	if d.PracticalEffect <= 0 {
		d.PracticalEffect = def.Detection.PracticalEffect
	}
	if d.QuickCheck.SelectionRatio <= 0 {
		d.QuickCheck.SelectionRatio = def.Detection.QuickCheck.SelectionRatio
	}
	if d.QuickCheck.MinGroupSize <= 0 {
		d.QuickCheck.MinGroupSize = def.Detection.QuickCheck.MinGroupSize
	}
	if d.QuickCheck.FlagPenalty <= 0 {
		d.QuickCheck.FlagPenalty = def.Detection.QuickCheck.FlagPenalty
	}
	m := &cfg.Monitoring
	if m.Workers <= 0 {
		m.Workers = def.Monitoring.Workers
	}
	if m.TickInterval <= 0 {
		m.TickInterval = def.Monitoring.TickInterval
	}
	if m.HistoryWindow <= 0 {
		m.HistoryWindow = def.Monitoring.HistoryWindow
	}
	if m.HistoryLimit <= 0 {
		m.HistoryLimit = def.Monitoring.HistoryLimit
	}
	if m.DedupeSize <= 0 {
		m.DedupeSize = def.Monitoring.DedupeSize
	}
	if cfg.Alerts.MinSeverity == "" {
		cfg.Alerts.MinSeverity = def.Alerts.MinSeverity
	}
	if cfg.Alerts.RetentionDays <= 0 {
		cfg.Alerts.RetentionDays = def.Alerts.RetentionDays
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = def.Audit.RetentionDays
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = def.Notify.Timeout
	}
	if cfg.Lease.Driver == "" {
		cfg.Lease.Driver = def.Lease.Driver
	}
	if cfg.Lease.TTL <= 0 {
		cfg.Lease.TTL = def.Lease.TTL
	}
	if cfg.Lease.RetryInterval <= 0 {
		cfg.Lease.RetryInterval = def.Lease.RetryInterval
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if cfg.Tracing.SampleRatio <= 0 {
		cfg.Tracing.SampleRatio = def.Tracing.SampleRatio
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if _, err := model.ParseProcessType(cfg.Ingest.Parser.DefaultProcessType); err != nil {
		return fmt.Errorf("ingest.parser.default_process_type: %w", err)
	}
	if cfg.Notify.Kafka.Enabled && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka requires brokers and topic")
	}
	switch cfg.Lease.Driver {
	case "memory":
	case "redis":
		if cfg.Lease.RedisAddr == "" {
			return errors.New("lease.redis_addr required when lease.driver is redis")
		}
	default:
		return fmt.Errorf("unsupported lease driver: %s", cfg.Lease.Driver)
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql", "pgx":
		default:
			return fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
		}
	}
	if err := validateFairness(cfg.Fairness); err != nil {
		return err
	}
	if err := ValidateThresholds(cfg.Detection.Thresholds); err != nil {
		return err
	}
	if _, err := model.ParseSeverity(cfg.Alerts.MinSeverity); err != nil {
		return fmt.Errorf("alerts.min_severity: %w", err)
	}
	if cfg.Alerts.EscalationOwner == "" {
		return errors.New("alerts.escalation_owner required")
	}
	if err := validateTermRules("detection.quick_check.terms", cfg.Detection.QuickCheck.Terms); err != nil {
		return err
	}
	for pt, rules := range cfg.Detection.QuickCheck.ProcessTerms {
		if _, err := model.ParseProcessType(pt); err != nil {
			return fmt.Errorf("detection.quick_check.process_terms: %w", err)
		}
		if err := validateTermRules("detection.quick_check.process_terms."+pt, rules); err != nil {
			return err
		}
	}
	return nil
}

func validateFairness(f FairnessConfig) error {
	if f.Alpha <= 0 || f.Alpha >= 1 {
		return errors.New("fairness.alpha must be in (0,1)")
	}
	if f.ConfidenceLevel <= 0 || f.ConfidenceLevel >= 1 {
		return errors.New("fairness.confidence_level must be in (0,1)")
	}
	if f.TargetPower <= 0 || f.TargetPower >= 1 {
		return errors.New("fairness.target_power must be in (0,1)")
	}
	if f.FourFifthsThreshold > 1 {
		return errors.New("fairness.four_fifths_threshold must be <= 1")
	}
	if f.AggregateTolerance > 1 {
		return errors.New("fairness.aggregate_tolerance must be <= 1")
	}
	total := 0.0
	for _, fam := range model.Families {
		w := f.Weights.For(fam)
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("fairness.weights.%s must be >= 0", fam)
		}
		total += w
	}
	if total <= 0 {
		return errors.New("fairness.weights must not all be zero")
	}
	return nil
}

func validateTermRules(path string, rules []TermRule) error {
	for i, r := range rules {
		if strings.TrimSpace(r.Term) == "" {
			return fmt.Errorf("%s[%d].term is empty", path, i)
		}
		if _, err := model.ParseBiasType(r.BiasType); err != nil {
			return fmt.Errorf("%s[%d]: %w", path, i, err)
		}
		if _, err := model.ParseSeverity(r.Severity); err != nil {
			return fmt.Errorf("%s[%d]: %w", path, i, err)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Pointer[Config]
	mu      sync.Mutex
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

// NewStaticManager serves cfg without a backing file; Update keeps the
// change in memory only.
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
		return v
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

// Update validates cfg, persists it when file-backed, then publishes it.
// On any error the previous snapshot stays active.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
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
