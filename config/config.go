package config

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/QubitProducts/topNET-sub000/core/http"
	"github.com/QubitProducts/topNET-sub000/core/workers"
)

// EnvPrefix prefixes environment overrides, e.g. TOPNET_IDLE_TIMEOUT=5s
const EnvPrefix = "TOPNET"

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Host string `config:"host"`
	Port int    `config:"port"`
	Env  string `config:"env"`

	// Buffer chain
	SegmentSize      int   `config:"segment.size"`
	MaxMessageSize   int64 `config:"max.message.size"` // chain cap and default request size limit
	MaxLineSize      int   `config:"max.line.size"`
	MinRetainedSize  int   `config:"min.retained.size"`
	RecycleThreshold int   `config:"recycle.threshold"`
	MaxFillSize      int   `config:"max.fill.size"`

	// Limits
	IdleTimeout      time.Duration `config:"idle.timeout"` // 0 means no idle limit
	FirstByteTimeout time.Duration `config:"first.byte.timeout"`

	// Workers
	MinWorkers        int           `config:"min.workers"`
	MaxWorkers        int           `config:"max.workers"` // 0 means unbounded
	JobsPerWorker     int           `config:"jobs.per.worker"`
	Strategy          string        `config:"strategy"`
	Placement         string        `config:"placement"`
	WaitForData       bool          `config:"wait.for.data"`
	ScaleUpAfter      time.Duration `config:"scale.up.after"`
	ScaleDownInterval time.Duration `config:"scale.down.interval"`
	ScaleDownLoad     float64       `config:"scale.down.load"`
	PollInterval      time.Duration `config:"poll.interval"`
	PinWorkers        bool          `config:"pin.workers"`

	StatsInterval time.Duration `config:"stats.interval"` // 0 disables the periodic stats line
	ServerName    string        `config:"server.name"`
	Protocol      string        `config:"protocol"` // forces the response protocol when set
	GCPercent     int           `config:"gc.percent"`
	MemoryLimit   int64         `config:"memory.limit"` // soft heap limit in bytes, 0 keeps the runtime setting

	Logger *log.Logger `config:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port: 8080,
		Env:  "development",

		SegmentSize:      4096,
		MaxMessageSize:   1 << 20,
		MaxLineSize:      8192,
		MinRetainedSize:  8192,
		RecycleThreshold: 64 << 10,
		MaxFillSize:      64 << 10,

		IdleTimeout:      30 * time.Second,
		FirstByteTimeout: 10 * time.Second,

		MinWorkers:        runtime.NumCPU(),
		JobsPerWorker:     workers.DefaultJobsPerWorker,
		Strategy:          workers.Queued.String(),
		Placement:         workers.RoundRobin.String(),
		WaitForData:       true,
		ScaleUpAfter:      workers.DefaultScaleUpAfter,
		ScaleDownInterval: workers.DefaultScaleDownInterval,
		ScaleDownLoad:     workers.DefaultScaleDownLoad,
		PollInterval:      workers.DefaultPollInterval,

		StatsInterval: time.Minute,
		ServerName:    "topNET",

		Logger: log.Default(),
	}
}

// New loads configuration from the command line, exiting on errors the
// way flag.Parse does.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load builds the configuration from, in increasing precedence: Default,
// the JSON file named by -config, TOPNET_* environment variables, and
// flags set explicitly in args.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("topnet", flag.ContinueOnError)
	var path string
	fs.StringVar(&path, "config", "", "JSON configuration file")
	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	m := NewManager()
	if path != "" {
		if err := m.LoadFromJSON(path); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Listen host")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.Env, "env", c.Env, "Environment (development/production)")

	fs.IntVar(&c.SegmentSize, "segment-size", c.SegmentSize, "Buffer segment size (bytes)")
	fs.Int64Var(&c.MaxMessageSize, "max-message-size", c.MaxMessageSize, "Maximum request size (bytes)")
	fs.IntVar(&c.MaxLineSize, "max-line-size", c.MaxLineSize, "Maximum request/header line (bytes)")
	fs.IntVar(&c.MinRetainedSize, "min-retained-size", c.MinRetainedSize, "Buffer kept between requests (bytes)")
	fs.IntVar(&c.RecycleThreshold, "recycle-threshold", c.RecycleThreshold, "Recycle consumed segments below this buffer size (bytes)")
	fs.IntVar(&c.MaxFillSize, "max-fill-size", c.MaxFillSize, "Response bytes staged per write pass")

	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "Close connections idle this long (0 disables)")
	fs.DurationVar(&c.FirstByteTimeout, "first-byte-timeout", c.FirstByteTimeout, "Close new connections silent this long")

	fs.IntVar(&c.MinWorkers, "min-workers", c.MinWorkers, "Minimum worker count")
	fs.IntVar(&c.MaxWorkers, "max-workers", c.MaxWorkers, "Maximum worker count (0 unbounded)")
	fs.IntVar(&c.JobsPerWorker, "jobs-per-worker", c.JobsPerWorker, "Connections per worker")
	fs.StringVar(&c.Strategy, "strategy", c.Strategy, "Worker strategy (pooled/queued/shared)")
	fs.StringVar(&c.Placement, "placement", c.Placement, "Placement policy (roundrobin/fillfirst)")
	fs.BoolVar(&c.WaitForData, "wait-for-data", c.WaitForData, "Assign connections on their first bytes")
	fs.DurationVar(&c.ScaleUpAfter, "scale-up-after", c.ScaleUpAfter, "Add a worker after placement failed this long")
	fs.DurationVar(&c.ScaleDownInterval, "scale-down-interval", c.ScaleDownInterval, "Scale-down check interval")
	fs.Float64Var(&c.ScaleDownLoad, "scale-down-load", c.ScaleDownLoad, "Retire workers below this load (0-1)")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Worker sleep bound while jobs wait")
	fs.BoolVar(&c.PinWorkers, "pin-workers", c.PinWorkers, "Lock workers to OS threads")

	fs.DurationVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "Periodic stats log interval (0 disables)")
	fs.StringVar(&c.ServerName, "server-name", c.ServerName, "Server header value")
	fs.StringVar(&c.Protocol, "protocol", c.Protocol, "Force response protocol (HTTP/1.0, HTTP/1.1)")
	fs.IntVar(&c.GCPercent, "gc-percent", c.GCPercent, "GOGC override (0 keeps the runtime setting)")
	fs.Int64Var(&c.MemoryLimit, "memory-limit", c.MemoryLimit, "Soft memory limit in bytes (0 keeps the runtime setting)")
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerStrategy returns the parsed Strategy
func (c *Config) WorkerStrategy() (workers.Strategy, error) {
	return workers.ParseStrategy(c.Strategy)
}

// WorkerPlacement returns the parsed Placement
func (c *Config) WorkerPlacement() (workers.Placement, error) {
	return workers.ParsePlacement(c.Placement)
}

// ResponseProtocol returns the forced response protocol, or
// http.ProtoUnknown to answer with the request's own protocol
func (c *Config) ResponseProtocol() (http.Protocol, error) {
	if c.Protocol == "" {
		return http.ProtoUnknown, nil
	}
	p, ok := http.ParseProtocol(c.Protocol)
	if !ok || p == http.HTTP09 {
		return http.ProtoUnknown, fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	return p, nil
}

// Validate rejects inconsistent values
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Port >= 0 && c.Port <= 65535, "port %d out of range", c.Port)
	check(c.SegmentSize > 0, "segment size must be positive")
	check(c.MaxMessageSize >= int64(c.SegmentSize), "max message size %d below segment size %d", c.MaxMessageSize, c.SegmentSize)
	check(c.MaxLineSize > 0, "max line size must be positive")
	check(c.MinRetainedSize >= 0, "min retained size must not be negative")
	check(c.RecycleThreshold >= 0, "recycle threshold must not be negative")
	check(c.MaxFillSize > 0, "max fill size must be positive")
	check(c.IdleTimeout >= 0, "idle timeout must not be negative")
	check(c.FirstByteTimeout >= 0, "first byte timeout must not be negative")
	check(c.MinWorkers > 0, "min workers must be positive")
	check(c.MaxWorkers == 0 || c.MaxWorkers >= c.MinWorkers, "max workers %d below min workers %d", c.MaxWorkers, c.MinWorkers)
	check(c.JobsPerWorker > 0, "jobs per worker must be positive")
	check(c.ScaleUpAfter >= 0, "scale up delay must not be negative")
	check(c.ScaleDownInterval > 0, "scale down interval must be positive")
	check(c.ScaleDownLoad > 0 && c.ScaleDownLoad <= 1, "scale down load %v outside (0, 1]", c.ScaleDownLoad)
	check(c.PollInterval > 0, "poll interval must be positive")
	check(c.StatsInterval >= 0, "stats interval must not be negative")
	check(c.GCPercent >= 0, "gc percent must not be negative")
	check(c.MemoryLimit >= 0, "memory limit must not be negative")

	if _, err := c.WorkerStrategy(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if _, err := c.WorkerPlacement(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if _, err := c.ResponseProtocol(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	return errors.Join(errs...)
}
