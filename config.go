package repocache

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix prefixes every environment variable LoadConfig reads.
const EnvPrefix = "REPOCACHE_"

// UpdateMode controls when Acquire refreshes an existing entry.
type UpdateMode string

const (
	// UpdateIfStale fetches only when the entry's last fetch is older than
	// the maximum age.
	UpdateIfStale UpdateMode = "if-stale"
	// UpdateAlways fetches on every Acquire.
	UpdateAlways UpdateMode = "always"
)

// Backend names accepted by Config.Backend.
const (
	BackendGit   = "git"
	BackendGoGit = "go-git"
)

// ByteSize is a size in bytes that decodes human-readable values such as
// "10GB" or "512MiB".
type ByteSize int64

// EnvDecode implements envconfig.Decoder.
func (b *ByteSize) EnvDecode(val string) error {
	n, err := humanize.ParseBytes(val)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size with IEC units.
func (b ByteSize) String() string {
	if b <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(b))
}

// Config configures a Cache.
type Config struct {
	// Root is the cache directory. Required.
	Root string `env:"ROOT,required"`

	// MaxAge is how long a fetched entry counts as fresh. Zero disables
	// time-based refreshes.
	MaxAge time.Duration `env:"MAX_AGE,default=5m"`

	UpdateMode UpdateMode `env:"UPDATE_MODE,default=if-stale"`

	// LockTimeout bounds each wait for an entry lock.
	LockTimeout time.Duration `env:"LOCK_TIMEOUT,default=10m"`

	// LockAttempts is how many times a timed-out lock wait is tried.
	LockAttempts int `env:"LOCK_ATTEMPTS,default=1"`

	// CapacityLimit is the soft size bound of the cache. Zero means
	// unlimited.
	CapacityLimit ByteSize `env:"CAPACITY_LIMIT,default=0"`

	// EvictAfter makes the background collector remove entries unused for
	// longer than this. Zero disables age-based eviction.
	EvictAfter time.Duration `env:"EVICT_AFTER,default=0"`

	// FetchRetries is how many times a transient clone or fetch failure is
	// retried after the first attempt.
	FetchRetries int           `env:"FETCH_RETRIES,default=3"`
	RetryBackoff time.Duration `env:"RETRY_BACKOFF,default=1s"`

	// Bare selects bare clones instead of working copies.
	Bare bool `env:"BARE,default=false"`

	// Backend selects the version-control implementation: "git" runs the
	// git executable, "go-git" works in-process.
	Backend string `env:"BACKEND,default=git"`

	// SSHKeyFile is a private key used for SSH remotes.
	SSHKeyFile string `env:"SSH_KEY_FILE"`

	// AuthUser and AuthToken are HTTP basic credentials for the go-git
	// backend. The git backend uses the system's credential helpers.
	AuthUser  string `env:"AUTH_USER,default=git"`
	AuthToken string `env:"AUTH_TOKEN"`
}

// DefaultConfig returns the configuration LoadConfig produces for root
// when no other variables are set.
func DefaultConfig(root string) Config {
	return Config{
		Root:         root,
		MaxAge:       5 * time.Minute,
		UpdateMode:   UpdateIfStale,
		LockTimeout:  10 * time.Minute,
		LockAttempts: 1,
		FetchRetries: 3,
		RetryBackoff: time.Second,
		Backend:      BackendGit,
		AuthUser:     "git",
	}
}

// LoadConfig reads the configuration from REPOCACHE_* environment
// variables.
func LoadConfig(ctx context.Context) (Config, error) {
	return LoadConfigFrom(ctx, envconfig.OsLookuper())
}

// LoadConfigFrom reads the configuration from l, with EnvPrefix applied.
func LoadConfigFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(field string, value interface{}, reason string) error {
		return errors.WithContextMap(errors.Newf(errors.CodeInvalidConfig, "invalid %s: %s", field, reason), map[string]interface{}{
			"field": field,
			"value": value,
		})
	}

	switch {
	case c.Root == "":
		return invalid("root", c.Root, "must not be empty")
	case c.UpdateMode != UpdateIfStale && c.UpdateMode != UpdateAlways:
		return invalid("update mode", c.UpdateMode, `must be "if-stale" or "always"`)
	case c.MaxAge < 0:
		return invalid("max age", c.MaxAge, "must not be negative")
	case c.LockTimeout < 0:
		return invalid("lock timeout", c.LockTimeout, "must not be negative")
	case c.LockAttempts < 1:
		return invalid("lock attempts", c.LockAttempts, "must be at least 1")
	case c.CapacityLimit < 0:
		return invalid("capacity limit", c.CapacityLimit, "must not be negative")
	case c.EvictAfter < 0:
		return invalid("evict after", c.EvictAfter, "must not be negative")
	case c.FetchRetries < 0:
		return invalid("fetch retries", c.FetchRetries, "must not be negative")
	case c.RetryBackoff <= 0:
		return invalid("retry backoff", c.RetryBackoff, "must be positive")
	case c.Backend != BackendGit && c.Backend != BackendGoGit:
		return invalid("backend", c.Backend, `must be "git" or "go-git"`)
	}
	return nil
}
