package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// LogConfig holds log information
type LogConfig struct {
	Format string `toml:"format"`
	Output string `toml:"output"`
	Dir    string `toml:"log-directory"`
	Level  string `toml:"level"`
}

// DBConfig holds connection details to the Database of record for
// hosts, instances, deployment records and batches
type DBConfig struct {
	Type     string `toml:"type"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	SSLMode  bool   `toml:"sslmode"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
	// Path is the database file for the sqlite type
	Path string `toml:"path"`
}

// SSHConfig controls how remote hosts are reached
type SSHConfig struct {
	KnownHostsFile   string   `toml:"known-hosts-file"`
	ConnectTimeout   Duration `toml:"connect-timeout"`
	PoolTTL          Duration `toml:"pool-ttl"`
	PoolMax          int      `toml:"pool-max"`
	ConnectAttempts  int      `toml:"connect-attempts"`
	ConnectBackoff   Duration `toml:"connect-backoff"`
	BreakerThreshold int      `toml:"breaker-threshold"`
	BreakerCooldown  Duration `toml:"breaker-cooldown"`
	DefaultKeyPath   string   `toml:"default-key-path"`
	UseAgent         bool     `toml:"use-agent"`
}

// PipelineConfig holds the knobs of the per-instance deployment steps
type PipelineConfig struct {
	SourcePath        string   `toml:"source-path"`
	GitRepoURL        string   `toml:"git-repo-url"`
	DefaultBranch     string   `toml:"default-branch"`
	ContainerPrefix   string   `toml:"container-prefix"`
	InfraServices     []string `toml:"infra-services"`
	AppServices       []string `toml:"app-services"`
	Schemas           []string `toml:"schemas"`
	MigrateCommand    string   `toml:"migrate-command"`
	BootstrapScript   string   `toml:"bootstrap-script"`
	BootstrapCommand  string   `toml:"bootstrap-command"`
	ProxyKind         string   `toml:"proxy"`
	BuildMode         string   `toml:"build-mode"`
	HealthPollCount   int      `toml:"health-poll-count"`
	HealthPollEvery   Duration `toml:"health-poll-interval"`
	SettleDelay       Duration `toml:"settle-delay"`
	OutputCap         int      `toml:"output-cap"`
	DefaultDeployRoot string   `toml:"default-deploy-root"`
}

// BatchConfig holds fleet rollout settings
type BatchConfig struct {
	ParallelWorkers int `toml:"parallel-workers"`
}

// WorkerConfig holds settings of the fleetd worker process
type WorkerConfig struct {
	Workers     int      `toml:"workers"`
	QueueBuffer int      `toml:"queue-buffer"`
	PendingScan string   `toml:"pending-scan"`
	StuckScan   string   `toml:"stuck-scan"`
	StuckMaxAge Duration `toml:"stuck-max-age"`
}

type NotifyConfig struct {
	WebhookURLs []string `toml:"webhook-urls"`
	Secret      string   `toml:"secret"`
	Timeout     Duration `toml:"timeout"`
}

type SealingConfig struct {
	Identity string `toml:"identity"`
}

type OpsConfig struct {
	Port           int    `toml:"port"`
	JWTSecret      string `toml:"jwt-secret"`
	HTTPTimeoutSec int    `toml:"http-timeout-sec"`
}

type ProbeConfig struct {
	Privileged bool     `toml:"privileged"`
	Count      int      `toml:"count"`
	Timeout    Duration `toml:"timeout"`
}

// Config holds all the details from config.toml passed to application
type Config struct {
	DBConfig DBConfig       `toml:"db"`
	Log      LogConfig      `toml:"log"`
	SSH      SSHConfig      `toml:"ssh"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Batch    BatchConfig    `toml:"batch"`
	Worker   WorkerConfig   `toml:"worker"`
	Notify   NotifyConfig   `toml:"notify"`
	Sealing  SealingConfig  `toml:"sealing"`
	Ops      OpsConfig      `toml:"ops"`
	Probe    ProbeConfig    `toml:"probe"`
}

// Duration lets toml values like "5m" or "30s" decode into time.Duration
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// AppConf package global has values parsed from config.toml
var AppConf Config

// Default returns a Config with every default applied
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DBConfig.Type == "" {
		c.DBConfig.Type = "postgres"
	}

	s := &c.SSH
	if s.ConnectTimeout.Duration == 0 {
		s.ConnectTimeout.Duration = 10 * time.Second
	}
	if s.PoolTTL.Duration == 0 {
		s.PoolTTL.Duration = 5 * time.Minute
	}
	if s.PoolMax == 0 {
		s.PoolMax = 100
	}
	if s.ConnectAttempts == 0 {
		s.ConnectAttempts = 3
	}
	if s.ConnectBackoff.Duration == 0 {
		s.ConnectBackoff.Duration = 2 * time.Second
	}
	if s.BreakerThreshold == 0 {
		s.BreakerThreshold = 3
	}
	if s.BreakerCooldown.Duration == 0 {
		s.BreakerCooldown.Duration = 60 * time.Second
	}
	if s.DefaultKeyPath == "" {
		s.DefaultKeyPath = "/root/.ssh/id_rsa"
	}

	p := &c.Pipeline
	if p.SourcePath == "" {
		p.SourcePath = "/opt/tenant/source"
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	if p.ContainerPrefix == "" {
		p.ContainerPrefix = "tenant"
	}
	if len(p.InfraServices) == 0 {
		p.InfraServices = []string{"db", "redis", "openbao"}
	}
	if len(p.AppServices) == 0 {
		p.AppServices = []string{"app", "worker", "beat"}
	}
	if p.MigrateCommand == "" {
		p.MigrateCommand = "alembic upgrade heads"
	}
	if p.BootstrapScript == "" {
		p.BootstrapScript = "bootstrap_db.py"
	}
	if p.BootstrapCommand == "" {
		p.BootstrapCommand = "python bootstrap_db.py"
	}
	if p.ProxyKind == "" {
		p.ProxyKind = "nginx"
	}
	if p.BuildMode == "" {
		p.BuildMode = "build"
	}
	if p.HealthPollCount == 0 {
		p.HealthPollCount = 6
	}
	if p.HealthPollEvery.Duration == 0 {
		p.HealthPollEvery.Duration = 5 * time.Second
	}
	if p.SettleDelay.Duration == 0 {
		p.SettleDelay.Duration = 5 * time.Second
	}
	if p.OutputCap == 0 {
		p.OutputCap = 10000
	}
	if p.DefaultDeployRoot == "" {
		p.DefaultDeployRoot = "/opt/tenant/instances"
	}

	if c.Batch.ParallelWorkers == 0 {
		c.Batch.ParallelWorkers = 4
	}

	w := &c.Worker
	if w.Workers == 0 {
		w.Workers = 4
	}
	if w.QueueBuffer == 0 {
		w.QueueBuffer = 64
	}
	if w.PendingScan == "" {
		w.PendingScan = "@every 30s"
	}
	if w.StuckScan == "" {
		w.StuckScan = "@every 10m"
	}
	if w.StuckMaxAge.Duration == 0 {
		w.StuckMaxAge.Duration = 60 * time.Minute
	}

	if c.Notify.Timeout.Duration == 0 {
		c.Notify.Timeout.Duration = 10 * time.Second
	}

	if c.Ops.Port == 0 {
		c.Ops.Port = 8780
	}
	if c.Ops.HTTPTimeoutSec == 0 {
		c.Ops.HTTPTimeoutSec = 10
	}

	if c.Probe.Count == 0 {
		c.Probe.Count = 3
	}
	if c.Probe.Timeout.Duration == 0 {
		c.Probe.Timeout.Duration = 5 * time.Second
	}
}

// Load reads the config file at configPath and applies defaults
func Load(configPath string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(configPath, &c); err != nil {
		return c, fmt.Errorf("unable to parse config toml file: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

// InitConfig Initializes AppConf
// It reads in the Config file at configPath and populates AppConf
func InitConfig(configPath string) {
	log.WithFields(log.Fields{
		"file": configPath,
	}).Info("Reading in Config File")

	c, err := Load(configPath)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Error("unable to parse config toml file")
		panic(fmt.Errorf("unable to parse config toml file"))
	}
	AppConf = c

	log.Debugf("Config: %+v", AppConf.Redacted())
}

// Redacted returns a copy of the config safe to log
func (c Config) Redacted() Config {
	if c.DBConfig.Password != "" {
		c.DBConfig.Password = "***"
	}
	if c.Notify.Secret != "" {
		c.Notify.Secret = "***"
	}
	if c.Sealing.Identity != "" {
		c.Sealing.Identity = "***"
	}
	if c.Ops.JWTSecret != "" {
		c.Ops.JWTSecret = "***"
	}
	return c
}
