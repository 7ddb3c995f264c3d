package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"atlas/pkg/model"
)

const envPrefix = "ATLAS_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
	Etcd      EtcdConfig      `yaml:"etcd"`
	Redis     RedisConfig     `yaml:"redis"`
	Docker    DockerConfig    `yaml:"docker"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Timer     TimerConfig     `yaml:"timer"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type NodeConfig struct {
	KeyFile     string `yaml:"key_file"`
	Version     string `yaml:"version"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug|info|warn|error
	Development bool   `yaml:"development"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Root      string   `yaml:"root"` // 本节点的 key 前缀
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // pub/sub channel 前缀
}

type DockerConfig struct {
	Host        string        `yaml:"host"`
	VMRuntime   string        `yaml:"vm_runtime"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// DryRun 使用进程内的假后端, 不连接 docker
	DryRun bool `yaml:"dry_run"`
}

// CapacityConfig 为零的字段在启动时从 docker engine 探测
type CapacityConfig struct {
	Sockets        int      `yaml:"sockets"`
	CoresPerSocket int      `yaml:"cores_per_socket"`
	ThreadsPerCore int      `yaml:"threads_per_core"`
	GPUs           []string `yaml:"gpus"`
	Memory         string   `yaml:"memory"` // 如 "64GiB"
}

type TimerConfig struct {
	MinPeriod time.Duration `yaml:"min_period"`
	Tick      time.Duration `yaml:"tick"`
}

type ProtocolConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxPathLen     int           `yaml:"max_path_len"`
	RelayRate      float64       `yaml:"relay_rate"`
	RelayBurst     int           `yaml:"relay_burst"`
	NonceCacheSize int           `yaml:"nonce_cache_size"`
	NonceWindow    time.Duration `yaml:"nonce_window"`
	QueueSize      int           `yaml:"queue_size"`
}

type SchedulerConfig struct {
	MaxTasks          int           `yaml:"max_tasks"`
	MaxErrorTimes     int           `yaml:"max_error_times"`
	Retention         time.Duration `yaml:"retention"`
	HistoryRetention  time.Duration `yaml:"history_retention"`
	BackendTimeout    time.Duration `yaml:"backend_timeout"`
	ScheduleTick      time.Duration `yaml:"schedule_tick"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LogTailLines      int           `yaml:"log_tail_lines"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{
			KeyFile:     "atlas.key",
			Version:     "v1.0",
			MetricsAddr: ":9108",
		},
		Log:   LogConfig{Level: "info"},
		Etcd:  EtcdConfig{Endpoints: []string{"localhost:2379"}, Root: "/atlas"},
		Redis: RedisConfig{Addr: "localhost:6379", Prefix: "atlas:"},
		Docker: DockerConfig{
			StopTimeout: 10 * time.Second,
		},
		Timer: TimerConfig{MinPeriod: time.Second, Tick: time.Second},
		Protocol: ProtocolConfig{
			RequestTimeout: 20 * time.Second,
			MaxPathLen:     8,
			RelayRate:      50,
			RelayBurst:     100,
			NonceCacheSize: 65536,
			NonceWindow:    5 * time.Minute,
			QueueSize:      1024,
		},
		Scheduler: SchedulerConfig{
			MaxTasks:          64,
			MaxErrorTimes:     3,
			Retention:         24 * time.Hour,
			HistoryRetention:  30 * 24 * time.Hour,
			BackendTimeout:    5 * time.Minute,
			ScheduleTick:      time.Second,
			SyncInterval:      10 * time.Second,
			PruneInterval:     10 * time.Minute,
			HeartbeatInterval: 3 * time.Second,
			LogTailLines:      1000,
		},
	}
}

// Load 默认值 -> YAML 文件 (path 为空时跳过) -> ATLAS_* 环境变量 -> 校验
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	str("KEY_FILE", &c.Node.KeyFile)
	str("METRICS_ADDR", &c.Node.MetricsAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("DOCKER_HOST", &c.Docker.Host)
	str("MEMORY", &c.Capacity.Memory)

	if v, ok := lookup(envPrefix + "ETCD_ENDPOINTS"); ok {
		c.Etcd.Endpoints = strings.Split(v, ",")
	}
	if v, ok := lookup(envPrefix + "GPUS"); ok {
		c.Capacity.GPUs = strings.Split(v, ",")
	}
	if v, ok := lookup(envPrefix + "DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%sDRY_RUN: %v", envPrefix, err)
		}
		c.Docker.DryRun = b
	}
	if v, ok := lookup(envPrefix + "MAX_TASKS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%sMAX_TASKS: %v", envPrefix, err)
		}
		c.Scheduler.MaxTasks = n
	}
	if v, ok := lookup(envPrefix + "REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%sREQUEST_TIMEOUT: %v", envPrefix, err)
		}
		c.Protocol.RequestTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Timer.MinPeriod <= 0:
		return errors.Wrap(ErrInvalidConfig, "timer.min_period must be positive")
	case c.Timer.Tick <= 0:
		return errors.Wrap(ErrInvalidConfig, "timer.tick must be positive")
	case c.Protocol.RequestTimeout < c.Timer.MinPeriod:
		return errors.Wrapf(ErrInvalidConfig, "protocol.request_timeout %v below timer.min_period %v",
			c.Protocol.RequestTimeout, c.Timer.MinPeriod)
	case c.Protocol.MaxPathLen < 1:
		return errors.Wrap(ErrInvalidConfig, "protocol.max_path_len must be >= 1")
	case c.Protocol.NonceCacheSize < 1:
		return errors.Wrap(ErrInvalidConfig, "protocol.nonce_cache_size must be >= 1")
	case c.Protocol.NonceWindow <= 0:
		return errors.Wrap(ErrInvalidConfig, "protocol.nonce_window must be positive")
	case c.Scheduler.MaxTasks < 1:
		return errors.Wrap(ErrInvalidConfig, "scheduler.max_tasks must be >= 1")
	case c.Scheduler.MaxErrorTimes < 1:
		return errors.Wrap(ErrInvalidConfig, "scheduler.max_error_times must be >= 1")
	case c.Scheduler.LogTailLines < 1 || c.Scheduler.LogTailLines > 1000:
		return errors.Wrap(ErrInvalidConfig, "scheduler.log_tail_lines must be in [1, 1000]")
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"scheduler.schedule_tick", c.Scheduler.ScheduleTick},
		{"scheduler.sync_interval", c.Scheduler.SyncInterval},
		{"scheduler.prune_interval", c.Scheduler.PruneInterval},
		{"scheduler.heartbeat_interval", c.Scheduler.HeartbeatInterval},
	} {
		if d.v < c.Timer.MinPeriod {
			return errors.Wrapf(ErrInvalidConfig, "%s %v below timer.min_period %v", d.name, d.v, c.Timer.MinPeriod)
		}
	}
	if _, err := c.MemoryBytes(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "log.level: %v", err)
	}
	return nil
}

// MemoryBytes 未配置时返回 0
func (c *Config) MemoryBytes() (int64, error) {
	if c.Capacity.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Capacity.Memory)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "capacity.memory: %v", err)
	}
	return n, nil
}

// NodeCapacity 配置里的容量, 未配置的维度为零
func (c *Config) NodeCapacity() model.NodeCapacity {
	mem, _ := c.MemoryBytes()
	return model.NodeCapacity{
		Sockets:        c.Capacity.Sockets,
		CoresPerSocket: c.Capacity.CoresPerSocket,
		ThreadsPerCore: c.Capacity.ThreadsPerCore,
		GPUs:           append([]string(nil), c.Capacity.GPUs...),
		MemBytes:       mem,
	}
}

// NewLogger 按配置构建 zap logger
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "log.level: %v", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
