package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Source is a generic configuration source. This function may do whatever is
// required to obtain the configuration. It is passed a pointer to the
// destination, which will be something compatible to `yaml.Unmarshal`. The
// obtained configuration may be written to this object, it may also contain
// data from previous sources.
type Source func(any) error

// Unmarshal merges the values of the various configuration sources and sets them on
// `dst`. The object must be compatible with `yaml.Unmarshal`.
func Unmarshal(dst any, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// DefaultUnmarshal applies, in order, the flag defaults of dst, the YAML file
// named by -config.file and the flags given in args. Later sources win.
func DefaultUnmarshal(dst flagext.Registerer, args []string, fs *flag.FlagSet) error {
	return Unmarshal(dst,
		Defaults(fs),
		YAMLFlag(args, "config.file"),
		Flags(args, fs),
	)
}
