package cfg

import (
	"os"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// YAML returns a Source that reads the YAML file f. When expandEnv is set,
// ${VAR} references are replaced with environment values first, including the
// ${VAR:-default} forms. Unknown fields are an error.
func YAML(f string, expandEnv bool) Source {
	return func(dst any) error {
		y, err := os.ReadFile(f)
		if err != nil {
			return errors.Wrap(err, "Error reading config file")
		}
		if expandEnv {
			s, err := envsubst.EvalEnv(string(y))
			if err != nil {
				return errors.Wrap(err, "failed to expand env vars from configFile")
			}
			y = []byte(s)
		}
		return dYAML(y)(dst)
	}
}

// dYAML returns a YAML source from raw bytes.
func dYAML(y []byte) Source {
	return func(dst any) error {
		return yaml.UnmarshalStrict(y, dst)
	}
}

// YAMLFlag reads the YAML file named by the flag name in args, if present.
// The -config.expand-env flag enables environment expansion.
func YAMLFlag(args []string, name string) Source {
	return func(dst any) error {
		f, ok := lookupFlag(args, name)
		if !ok || f == "" {
			return nil
		}
		return YAML(f, boolFlag(args, "config.expand-env"))(dst)
	}
}
