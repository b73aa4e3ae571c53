package collector

import (
	"errors"
	"flag"

	"github.com/streamspector/streamspector/pkg/wire"
)

// DefaultListenAddress binds a free loopback port.
const DefaultListenAddress = "127.0.0.1:0"

// Config for a collector.
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	MaxFrameSize  int    `yaml:"max_frame_size"`
}

// RegisterFlags registers the flags with the default collector prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("collector.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, prefix+"listen-address", DefaultListenAddress, "Address the collector listens on for task publishers. Use port 0 to pick a free port.")
	f.IntVar(&cfg.MaxFrameSize, prefix+"max-frame-size", wire.DefaultMaxFrameSize, "Maximum size in bytes of a single message received from a publisher.")
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddress == "" {
		return errors.New("listen-address must be set")
	}
	if cfg.MaxFrameSize <= 0 {
		return errors.New("max-frame-size must be greater than 0")
	}
	return nil
}
