// Package config loads the fleet configuration from fleet.yaml, FLEET_*
// environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/ChuLiYu/fleet-rpc/internal/rpc"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the root of the configuration tree.
type Config struct {
	Log         Log         `mapstructure:"log"`
	GRPC        rpc.Options `mapstructure:"grpc"`
	Worker      Worker      `mapstructure:"worker"`
	Coordinator Coordinator `mapstructure:"coordinator"`
	Scanners    Scanners    `mapstructure:"scanners"`
	Admin       Admin       `mapstructure:"admin"`
}

// Log configures the default slog handler.
type Log struct {
	// debug, info, warn or error.
	Level string `mapstructure:"level"`
	// text or json.
	Format string `mapstructure:"format"`
}

// Worker configures a worker process.
type Worker struct {
	// Address the gRPC server binds to.
	Listen string `mapstructure:"listen"`
	// Address announced to the coordinator. Defaults to Listen.
	Advertise string `mapstructure:"advertise"`
	// Coordinator address to register with.
	Coordinator string `mapstructure:"coordinator"`
	// Number of executor goroutines.
	Threads int `mapstructure:"threads"`
	// Jobs that may wait for an executor before Submit fails.
	QueueSize int `mapstructure:"queue_size"`
	// Period of the completion sweep.
	ReportInterval time.Duration `mapstructure:"report_interval"`
	// Deadline of a single completion notification.
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
	// How long a reported result stays readable by id.
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

// Coordinator configures the coordinator process.
type Coordinator struct {
	Listen    string `mapstructure:"listen"`
	Advertise string `mapstructure:"advertise"`
	// Directory on each host the payload is uploaded to.
	RemoteDir string `mapstructure:"remote_dir"`
	// Executable inside RemoteDir that is launched as worker.
	Binary string `mapstructure:"binary"`
	// Local files uploaded to every host.
	Payload []string `mapstructure:"payload"`
	// Port workers listen on, on their own host.
	WorkerPort int `mapstructure:"worker_port"`
	// Time a launched worker has to register.
	DeployTimeout time.Duration `mapstructure:"deploy_timeout"`
	// Hosts deployed in parallel.
	DeployConcurrency int `mapstructure:"deploy_concurrency"`
	// Lifetime of completions nobody claimed.
	OrphanTTL time.Duration `mapstructure:"orphan_ttl"`
	// Registry snapshot location. Empty disables persistence.
	StateFile string `mapstructure:"state_file"`
	// YAML host inventory.
	Inventory string `mapstructure:"inventory"`
	// Host platforms (GOOS/GOARCH) the payload can run on. Empty allows all.
	Platforms []string `mapstructure:"platforms"`
}

// Scanner configures one scanner loop.
type Scanner struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinCycle     time.Duration `mapstructure:"min_cycle"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// Scanners holds the settings of each scanner kind.
type Scanners struct {
	Status Scanner `mapstructure:"status"`
	Deploy Scanner `mapstructure:"deploy"`
	Kill   Scanner `mapstructure:"kill"`
	Drop   Scanner `mapstructure:"drop"`
}

// Admin configures the HTTP admin API.
type Admin struct {
	// HTTP address of the admin API. Empty disables it.
	Listen string `mapstructure:"listen"`
	// Upper bound for the ?wait parameter of GET /jobs.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// SetDefaults registers every key with its default value, so that
// environment variables are picked up for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("worker.listen", "127.0.0.1:7400")
	v.SetDefault("worker.advertise", "")
	v.SetDefault("worker.coordinator", "127.0.0.1:7300")
	v.SetDefault("worker.threads", 8)
	v.SetDefault("worker.queue_size", 1024)
	v.SetDefault("worker.report_interval", time.Second)
	v.SetDefault("worker.notify_timeout", 5*time.Second)
	v.SetDefault("worker.result_ttl", time.Minute)

	v.SetDefault("coordinator.listen", "127.0.0.1:7300")
	v.SetDefault("coordinator.advertise", "")
	v.SetDefault("coordinator.remote_dir", "/tmp/fleet")
	v.SetDefault("coordinator.binary", "fleet")
	v.SetDefault("coordinator.payload", []string{})
	v.SetDefault("coordinator.worker_port", 7400)
	v.SetDefault("coordinator.deploy_timeout", 30*time.Second)
	v.SetDefault("coordinator.deploy_concurrency", 8)
	v.SetDefault("coordinator.orphan_ttl", 5*time.Minute)
	v.SetDefault("coordinator.state_file", "fleet-state.json")
	v.SetDefault("coordinator.inventory", "hosts.yaml")
	v.SetDefault("coordinator.platforms", []string{})

	for _, name := range []string{"status", "deploy", "kill", "drop"} {
		v.SetDefault("scanners."+name+".enabled", name == "status")
		v.SetDefault("scanners."+name+".min_cycle", 5*time.Second)
		v.SetDefault("scanners."+name+".check_timeout", 10*time.Second)
		v.SetDefault("scanners."+name+".concurrency", 4)
	}

	v.SetDefault("admin.listen", "")
	v.SetDefault("admin.max_wait", time.Minute)
}

// Setup prepares v the way the fleet binary uses it: FLEET_ environment
// prefix, nested keys mapped to underscores, and fleet.yaml looked up in
// the standard locations.
func Setup(v *viper.Viper) {
	v.SetEnvPrefix("fleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("fleet")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fleet/")
	v.AddConfigPath("$HOME/.config/fleet")
	v.AddConfigPath(".")

	SetDefaults(v)
}

// Read loads the config file, if any. A missing file is not an error.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := Unmarshal(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Unmarshal decodes v's settings into cfg, converting strings coming from
// the environment into durations, bools, ints and slices.
func Unmarshal(v *viper.Viper, cfg any) error {
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHookFunc(),
		stringToIntHookFunc(),
	)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       hook,
		Result:           cfg,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(v.AllSettings())
}

func stringToBoolHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Bool {
			return data, nil
		}
		switch strings.ToLower(data.(string)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		default:
			return nil, fmt.Errorf("cannot convert %q to bool", data)
		}
	}
}

func stringToIntHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int {
			return data, nil
		}
		var i int
		if _, err := fmt.Sscanf(data.(string), "%d", &i); err != nil {
			return nil, fmt.Errorf("cannot convert %q to int: %v", data, err)
		}
		return i, nil
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if err := c.Coordinator.Validate(); err != nil {
		return err
	}
	return c.Scanners.Validate()
}

// SlogLevel returns the slog level named by Level.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks level and format names.
func (l Log) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", l.Format)
	}
	return nil
}

// Validate checks the worker section.
func (w Worker) Validate() error {
	switch {
	case w.Listen == "":
		return errors.New("worker.listen must be set")
	case w.Threads <= 0:
		return fmt.Errorf("worker.threads must be positive, got %d", w.Threads)
	case w.QueueSize < 0:
		return fmt.Errorf("worker.queue_size must not be negative, got %d", w.QueueSize)
	case w.ReportInterval <= 0:
		return errors.New("worker.report_interval must be positive")
	case w.NotifyTimeout <= 0:
		return errors.New("worker.notify_timeout must be positive")
	case w.ResultTTL < 0:
		return errors.New("worker.result_ttl must not be negative")
	}
	return nil
}

// AdvertiseAddress is the address the worker registers under.
func (w Worker) AdvertiseAddress() string {
	if w.Advertise != "" {
		return w.Advertise
	}
	return w.Listen
}

// Validate checks the coordinator section.
func (c Coordinator) Validate() error {
	switch {
	case c.Listen == "":
		return errors.New("coordinator.listen must be set")
	case c.Binary == "":
		return errors.New("coordinator.binary must be set")
	case c.DeployTimeout <= 0:
		return errors.New("coordinator.deploy_timeout must be positive")
	case c.DeployConcurrency <= 0:
		return fmt.Errorf("coordinator.deploy_concurrency must be positive, got %d", c.DeployConcurrency)
	case c.OrphanTTL <= 0:
		return errors.New("coordinator.orphan_ttl must be positive")
	case c.WorkerPort <= 0 || c.WorkerPort > 65535:
		return fmt.Errorf("coordinator.worker_port out of range: %d", c.WorkerPort)
	}
	return nil
}

// AdvertiseAddress is the address workers dial back to.
func (c Coordinator) AdvertiseAddress() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

// Validate checks the settings of the scanner called name.
func (s Scanner) Validate(name string) error {
	if !s.Enabled {
		return nil
	}
	switch {
	case s.MinCycle <= 0:
		return fmt.Errorf("scanners.%s.min_cycle must be positive", name)
	case s.CheckTimeout <= 0:
		return fmt.Errorf("scanners.%s.check_timeout must be positive", name)
	case s.Concurrency <= 0:
		return fmt.Errorf("scanners.%s.concurrency must be positive", name)
	}
	return nil
}

// Validate checks every enabled scanner.
func (s Scanners) Validate() error {
	for name, sc := range s.byName() {
		if err := sc.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (s Scanners) byName() map[string]Scanner {
	return map[string]Scanner{
		"status": s.Status,
		"deploy": s.Deploy,
		"kill":   s.Kill,
		"drop":   s.Drop,
	}
}

// LogValues writes the effective configuration at info level.
func (c *Config) LogValues(logger *slog.Logger) {
	logger.Info("Log configuration", "level", c.Log.Level, "format", c.Log.Format)
	c.GRPC.Log(logger)
}

// LogValues writes the worker section.
func (w Worker) LogValues(logger *slog.Logger) {
	logger.Info("Worker configuration",
		"listen", w.Listen,
		"advertise", w.AdvertiseAddress(),
		"coordinator", w.Coordinator,
		"threads", w.Threads,
		"queue_size", w.QueueSize,
		"report_interval", w.ReportInterval,
		"notify_timeout", w.NotifyTimeout,
		"result_ttl", w.ResultTTL,
	)
}

// LogValues logs the effective coordinator settings.
func (c Coordinator) LogValues(logger *slog.Logger) {
	logger.Info("Coordinator configuration",
		"listen", c.Listen,
		"advertise", c.AdvertiseAddress(),
		"remote_dir", c.RemoteDir,
		"binary", c.Binary,
		"payload", c.Payload,
		"worker_port", c.WorkerPort,
		"deploy_timeout", c.DeployTimeout,
		"deploy_concurrency", c.DeployConcurrency,
		"orphan_ttl", c.OrphanTTL,
		"state_file", c.StateFile,
		"inventory", c.Inventory,
		"platforms", c.Platforms,
	)
}

// LogValues logs the effective settings of each scanner.
func (s Scanners) LogValues(logger *slog.Logger) {
	for name, sc := range s.byName() {
		logger.Info("Scanner configuration",
			"scanner", name,
			"enabled", sc.Enabled,
			"min_cycle", sc.MinCycle,
			"check_timeout", sc.CheckTimeout,
			"concurrency", sc.Concurrency,
		)
	}
}
