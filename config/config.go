// Package config loads casstack settings from flags, environment and .env files
// and assembles a Store stack from them:
//
//	backend(s) -> shard -> buffered -> transaction -> stampede
//
// Every layer above the backends is optional. Backends and shard are shared by
// the whole process; buffered, transaction and stampede are per session (see
// Stack.Session). Environment variables use the CASSTACK_ prefix with dashes
// replaced by underscores, e.g. CASSTACK_REDIS_ADDRS.
package config

import (
	"context"
	"fmt"
	"io"
	stdslog "log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/buffered"
	"github.com/unkn0wn-root/casstack/genstore"
	asynchook "github.com/unkn0wn-root/casstack/hooks/async"
	metricshook "github.com/unkn0wn-root/casstack/hooks/metrics"
	sloghook "github.com/unkn0wn-root/casstack/hooks/slog"
	logruslog "github.com/unkn0wn-root/casstack/log/logrus"
	slogadapter "github.com/unkn0wn-root/casstack/log/slog"
	zaplog "github.com/unkn0wn-root/casstack/log/zap"
	"github.com/unkn0wn-root/casstack/provider"
	bboltstore "github.com/unkn0wn-root/casstack/provider/bbolt"
	"github.com/unkn0wn-root/casstack/provider/bigcache"
	"github.com/unkn0wn-root/casstack/provider/dynamodb"
	"github.com/unkn0wn-root/casstack/provider/memory"
	redisstore "github.com/unkn0wn-root/casstack/provider/redis"
	"github.com/unkn0wn-root/casstack/provider/ristretto"
	"github.com/unkn0wn-root/casstack/shard"
	"github.com/unkn0wn-root/casstack/stampede"
	"github.com/unkn0wn-root/casstack/transaction"
)

const EnvPrefix = "casstack"

// Config is the flat settings tree. mapstructure tags match flag and env names.
type Config struct {
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
	// Shards is the number of instances of an in-process backend. Network
	// backends get one shard per address.
	Shards int `mapstructure:"shards"`

	RedisAddrs       []string      `mapstructure:"redis-addrs"`
	BBoltPath        string        `mapstructure:"bbolt-path"`
	DynamoTable      string        `mapstructure:"dynamodb-table"`
	DynamoRegion     string        `mapstructure:"dynamodb-region"`
	DynamoEndpoint   string        `mapstructure:"dynamodb-endpoint"`
	RistrettoMaxCost int64         `mapstructure:"ristretto-max-cost"`
	BigCacheLife     time.Duration `mapstructure:"bigcache-life-window"`
	// GensRedisAddr shares provider generations through Redis when set.
	GensRedisAddr string `mapstructure:"gens-redis-addr"`

	Buffered bool `mapstructure:"buffered"`
	// BufferReadTTL bounds how long a session serves a value it read; 0 = session lifetime.
	BufferReadTTL    time.Duration `mapstructure:"buffer-read-ttl"`
	Transactional    bool          `mapstructure:"transactional"`
	StampedeSLA      time.Duration `mapstructure:"stampede-sla"`
	StampedeAttempts int           `mapstructure:"stampede-attempts"`

	Log      string `mapstructure:"log"`
	LogLevel string `mapstructure:"log-level"`
	Metrics  bool   `mapstructure:"metrics"`
	// HookLog writes hook events to stderr as JSON through log/slog.
	HookLog bool `mapstructure:"hook-log"`
	// HookQueue, when positive, delivers hook events from a background worker
	// through a queue of this length. Events are dropped when it is full.
	HookQueue int `mapstructure:"hook-queue"`
}

// Default returns the settings used when nothing is configured: one in-memory
// backend, no layers, no logging.
func Default() Config {
	return Config{
		Backend:          "memory",
		Shards:           1,
		DynamoTable:      "casstack",
		RistrettoMaxCost: 64 << 20,
		BigCacheLife:     10 * time.Minute,
		StampedeAttempts: 10,
		Log:              "none",
		LogLevel:         "info",
	}
}

// RegisterFlags adds one flag per Config field to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("backend", d.Backend, "memory, redis, bbolt, ristretto, bigcache or dynamodb")
	fs.String("prefix", d.Prefix, "key prefix for every backend")
	fs.Int("shards", d.Shards, "instances of an in-process backend to shard across")
	fs.StringSlice("redis-addrs", nil, "redis addresses, one shard each")
	fs.String("bbolt-path", "", "bbolt database file; several comma-separated paths shard")
	fs.String("dynamodb-table", d.DynamoTable, "DynamoDB table name")
	fs.String("dynamodb-region", "", "AWS region override")
	fs.String("dynamodb-endpoint", "", "DynamoDB endpoint override (e.g. DynamoDB Local)")
	fs.Int64("ristretto-max-cost", d.RistrettoMaxCost, "ristretto capacity in bytes")
	fs.Duration("bigcache-life-window", d.BigCacheLife, "bigcache entry lifetime")
	fs.String("gens-redis-addr", "", "share collection generations of in-process backends through this redis")
	fs.Bool("buffered", false, "add a session buffer in front of the backends")
	fs.Duration("buffer-read-ttl", 0, "how long a session serves a value it read (0 = session lifetime)")
	fs.Bool("transactional", false, "add the transaction layer")
	fs.Duration("stampede-sla", 0, "enable stampede protection with this SLA")
	fs.Int("stampede-attempts", d.StampedeAttempts, "stampede polls per SLA")
	fs.String("log", d.Log, "none, zap, logrus or slog")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Bool("metrics", false, "count hook events with VictoriaMetrics")
	fs.Bool("hook-log", false, "log hook events to stderr")
	fs.Int("hook-queue", 0, "deliver hook events asynchronously through a queue of this length")
}

// Load reads .env files, then resolves every key from flags (when fs is non-nil),
// CASSTACK_* environment variables and defaults, in that order of precedence.
func Load(fs *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Default()
	defaults := map[string]any{
		"backend":              d.Backend,
		"prefix":               d.Prefix,
		"shards":               d.Shards,
		"redis-addrs":          []string{},
		"bbolt-path":           d.BBoltPath,
		"dynamodb-table":       d.DynamoTable,
		"dynamodb-region":      d.DynamoRegion,
		"dynamodb-endpoint":    d.DynamoEndpoint,
		"ristretto-max-cost":   d.RistrettoMaxCost,
		"bigcache-life-window": d.BigCacheLife,
		"gens-redis-addr":      d.GensRedisAddr,
		"buffered":             d.Buffered,
		"buffer-read-ttl":      d.BufferReadTTL,
		"transactional":        d.Transactional,
		"stampede-sla":         d.StampedeSLA,
		"stampede-attempts":    d.StampedeAttempts,
		"log":                  d.Log,
		"log-level":            d.LogLevel,
		"metrics":              d.Metrics,
		"hook-log":             d.HookLog,
		"hook-queue":           d.HookQueue,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	// env values arrive as one comma-separated string
	c.RedisAddrs = splitList(c.RedisAddrs)
	return c, c.Validate()
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs *multierror.Error
	switch c.Backend {
	case "memory", "ristretto", "bigcache":
	case "redis":
		if len(c.RedisAddrs) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("backend redis needs redis-addrs"))
		}
	case "bbolt":
		if c.BBoltPath == "" {
			errs = multierror.Append(errs, fmt.Errorf("backend bbolt needs bbolt-path"))
		}
	case "dynamodb":
		if c.DynamoTable == "" {
			errs = multierror.Append(errs, fmt.Errorf("backend dynamodb needs dynamodb-table"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Shards < 1 {
		errs = multierror.Append(errs, fmt.Errorf("shards must be >= 1, got %d", c.Shards))
	}
	if c.StampedeSLA < 0 {
		errs = multierror.Append(errs, fmt.Errorf("stampede-sla must not be negative"))
	}
	if c.BufferReadTTL < 0 {
		errs = multierror.Append(errs, fmt.Errorf("buffer-read-ttl must not be negative"))
	}
	if c.HookQueue < 0 {
		errs = multierror.Append(errs, fmt.Errorf("hook-queue must not be negative"))
	}
	switch c.Log {
	case "none", "zap", "logrus", "slog":
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown log backend %q", c.Log))
	}
	return errs.ErrorOrNil()
}

// Stack is an assembled Store with the handles needed to operate and close it.
//
// Store and Tx form the default Session, which lives as long as the Stack. A
// buffered stack caches everything that session touches, so long-running
// processes should take a fresh Session per request instead.
type Stack struct {
	// Store is the outermost layer of the default session.
	Store casstack.Store
	// Tx is the default session's transaction layer, nil unless Transactional is set.
	Tx *transaction.Store
	// Metrics is set when Metrics is enabled.
	Metrics *metricshook.Hooks
	// Hooks receives every layer's events; NopHooks when no sink is configured.
	Hooks  casstack.Hooks
	Logger casstack.Logger

	cfg     Config
	shared  casstack.Store // backends, sharded
	closers []func(context.Context) error
}

// Session is one caller's view of a Stack: its own buffer, transaction stack and
// stampede layer over the shared backends. Not safe for concurrent use when
// Transactional is set.
type Session struct {
	Store casstack.Store
	Tx    *transaction.Store
}

// Close discards uncommitted transaction writes; see transaction.Store.Close.
func (se *Session) Close() error {
	if se.Tx == nil {
		return nil
	}
	return se.Tx.Close()
}

// Close releases every backend, client and logger the stack opened.
func (st *Stack) Close(ctx context.Context) error {
	var errs *multierror.Error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	st.closers = nil
	return errs.ErrorOrNil()
}

func (st *Stack) onClose(fn func(context.Context) error) { st.closers = append(st.closers, fn) }

// Build opens the backends and wraps them in the configured layers. On error,
// anything already opened is closed.
func Build(ctx context.Context, c Config) (st *Stack, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	st = &Stack{cfg: c}
	defer func() {
		if err != nil {
			_ = st.Close(ctx)
			st = nil
		}
	}()

	st.Logger = st.logger(c)
	st.Hooks = st.hooks(c)

	backends, err := st.backends(ctx, c)
	if err != nil {
		return nil, err
	}
	st.shared = backends[0]
	if len(backends) > 1 {
		if st.shared, err = shard.New(backends, shard.Options{Logger: st.Logger, Hooks: st.Hooks}); err != nil {
			return nil, err
		}
	}

	def, err := st.Session()
	if err != nil {
		return nil, err
	}
	st.Store, st.Tx = def.Store, def.Tx
	st.onClose(func(context.Context) error { return def.Close() })

	st.Logger.Debug("config: stack ready", casstack.Fields{
		"backend": c.Backend, "shards": len(backends), "buffered": c.Buffered,
		"transactional": c.Transactional, "stampede": c.StampedeSLA > 0,
	})
	return st, nil
}

// Session stacks the per-session layers on the shared backends.
func (st *Stack) Session() (*Session, error) {
	c := st.cfg
	se := &Session{}
	s := st.shared
	var err error
	if c.Buffered {
		if s, err = buffered.New(s, buffered.Options{
			Logger:  st.Logger,
			Hooks:   st.Hooks,
			ReadTTL: c.BufferReadTTL,
		}); err != nil {
			return nil, err
		}
	}
	if c.Transactional {
		if se.Tx, err = transaction.NewStore(s, transaction.Options{Logger: st.Logger, Hooks: st.Hooks}); err != nil {
			return nil, err
		}
		s = se.Tx
	}
	if c.StampedeSLA > 0 {
		if s, err = stampede.New(s, stampede.Options{
			SLA:      c.StampedeSLA,
			Attempts: c.StampedeAttempts,
			Logger:   st.Logger,
			Hooks:    st.Hooks,
		}); err != nil {
			return nil, err
		}
	}
	se.Store = s
	return se, nil
}

// hooks combines the configured sinks.
func (st *Stack) hooks(c Config) casstack.Hooks {
	var sinks []casstack.Hooks
	if c.Metrics {
		st.Metrics = metricshook.New()
		sinks = append(sinks, st.Metrics)
	}
	if c.HookLog {
		h := stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: slogLevel(c)})
		sinks = append(sinks, sloghook.New(stdslog.New(h), sloghook.Options{}))
	}
	if len(sinks) == 0 {
		return casstack.NopHooks{}
	}
	h := casstack.Tee(sinks...)
	if c.HookQueue > 0 {
		a := asynchook.New(h, 1, c.HookQueue)
		st.onClose(func(context.Context) error { a.Close(); return nil })
		return a
	}
	return h
}

func (st *Stack) logger(c Config) casstack.Logger {
	switch c.Log {
	case "zap":
		var lvl zapcore.Level
		if err := lvl.Set(c.LogLevel); err != nil {
			lvl = zapcore.InfoLevel
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(lvl)
		l, err := zc.Build()
		if err != nil {
			return casstack.NopLogger{}
		}
		st.onClose(func(context.Context) error { _ = l.Sync(); return nil })
		return zaplog.New(l)
	case "logrus":
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetFormatter(&logrus.JSONFormatter{})
		if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
			l.SetLevel(lvl)
		}
		return logruslog.New(l)
	case "slog":
		return slogadapter.New(stdslog.New(stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: slogLevel(c)})))
	default:
		return casstack.NopLogger{}
	}
}

func slogLevel(c Config) stdslog.Level {
	var lvl stdslog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return stdslog.LevelInfo
	}
	return lvl
}

func (st *Stack) gens(c Config) genstore.GenStore {
	if c.GensRedisAddr == "" {
		return genstore.NewLocal()
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: c.GensRedisAddr})
	st.onClose(func(context.Context) error { return rdb.Close() })
	return genstore.NewRedis(rdb, strings.TrimSuffix(c.Prefix, ":"))
}

func (st *Stack) backends(ctx context.Context, c Config) ([]casstack.Store, error) {
	var out []casstack.Store
	popts := provider.Options{Prefix: c.Prefix, Logger: st.Logger}
	switch c.Backend {
	case "memory":
		for i := 0; i < c.Shards; i++ {
			out = append(out, memory.New(memory.Options{}))
		}
	case "ristretto", "bigcache":
		popts.Gens = st.gens(c)
		for i := 0; i < c.Shards; i++ {
			var (
				s   *provider.Store
				err error
			)
			if c.Backend == "ristretto" {
				s, err = ristretto.Open(ristretto.Config{
					NumCounters: max(c.RistrettoMaxCost/100, 1000),
					MaxCost:     c.RistrettoMaxCost,
					BufferItems: 64,
				}, popts)
			} else {
				s, err = bigcache.Open(bigcache.Config{LifeWindow: c.BigCacheLife}, popts)
			}
			if err != nil {
				return nil, err
			}
			st.onClose(s.Close)
			out = append(out, s)
		}
	case "redis":
		for _, addr := range c.RedisAddrs {
			s, err := redisstore.New(redisstore.Config{
				Client:      goredis.NewClient(&goredis.Options{Addr: addr}),
				CloseClient: true,
				Prefix:      c.Prefix,
				Logger:      st.Logger,
			})
			if err != nil {
				return nil, err
			}
			st.onClose(s.Close)
			out = append(out, s)
		}
	case "bbolt":
		for _, path := range splitList([]string{c.BBoltPath}) {
			s, err := bboltstore.Open(path, bboltstore.Options{Bucket: strings.TrimSuffix(c.Prefix, ":"), Timeout: 5 * time.Second})
			if err != nil {
				return nil, err
			}
			st.onClose(func(context.Context) error { return s.Close() })
			out = append(out, s)
		}
	case "dynamodb":
		s, err := dynamodb.Open(ctx, c.DynamoRegion, c.DynamoEndpoint, dynamodb.Config{
			Table:  c.DynamoTable,
			Prefix: c.Prefix,
			Logger: st.Logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteMetrics writes Prometheus text when metrics are enabled.
func (st *Stack) WriteMetrics(w io.Writer) bool {
	if st.Metrics == nil {
		return false
	}
	st.Metrics.WritePrometheus(w)
	return true
}
