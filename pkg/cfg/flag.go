package cfg

import (
	"flag"
	"strings"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Defaults registers the flags of dst on fs, which sets their defaults.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst any) error {
		r, ok := dst.(flagext.Registerer)
		if !ok {
			return errors.New("dst does not satisfy flagext.Registerer")
		}
		r.RegisterFlags(fs)
		return fs.Parse([]string{})
	}
}

// Flags parses args into the flags registered by Defaults. Only flags present
// in args are set, so values from earlier sources are kept otherwise.
func Flags(args []string, fs *flag.FlagSet) Source {
	return func(_ any) error {
		return fs.Parse(args)
	}
}

// lookupFlag returns the value of the flag name in args, accepting the
// -name=value, --name=value and -name value forms.
func lookupFlag(args []string, name string) (string, bool) {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		trimmed := strings.TrimLeft(arg, "-")
		if trimmed == arg || len(arg)-len(trimmed) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(trimmed, name+"="); ok {
			return v, true
		}
		if trimmed == name {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
	}
	return "", false
}

// boolFlag reports whether the boolean flag name is set to true in args.
// Boolean flags never take their value from the next argument.
func boolFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == "--" {
			break
		}
		switch strings.TrimLeft(arg, "-") {
		case name, name + "=true", name + "=1":
			return true
		}
	}
	return false
}
