package publisher

import (
	"errors"
	"flag"
	"time"

	"github.com/streamspector/streamspector/pkg/wire"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Config configures the publishers of one job.
type Config struct {
	// Address of the collector. In-process jobs receive it from the runner and
	// leave this empty.
	Address string `yaml:"address"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Values wire.Defaults `yaml:"values"`
}

// RegisterFlags registers the flags with the default publisher prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("publisher.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+"address", "", "Address of the collector, host:port.")
	f.DurationVar(&cfg.DialTimeout, prefix+"dial-timeout", DefaultDialTimeout, "Timeout for establishing the connection to the collector.")
	f.DurationVar(&cfg.WriteTimeout, prefix+"write-timeout", DefaultWriteTimeout, "Timeout for writing a single message to the collector. 0 to disable.")
	cfg.Values.RegisterFlagsWithPrefix(prefix+"values.", f)
}

func (cfg *Config) Validate() error {
	if cfg.DialTimeout <= 0 {
		return errors.New("dial-timeout must be greater than 0")
	}
	if cfg.WriteTimeout < 0 {
		return errors.New("write-timeout must not be negative")
	}
	return cfg.Values.Validate()
}

// withDefaults fills the fields a caller left zero. A zero WriteTimeout is
// kept: it disables the write deadline.
func (cfg Config) withDefaults() Config {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Values.Codec == "" {
		cfg.Values.Codec = wire.CodecCBOR
	}
	if cfg.Values.Compression == "" {
		cfg.Values.Compression = wire.CompressionNone
	}
	return cfg
}
