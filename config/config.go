// Package config resolves the gateway's settings from flags, SHOWFLOOR_*
// environment variables and an optional dotenv file. Flags win over the
// environment, and the environment wins over defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/showfloor/showfloor/assets"
)

const (
	DefaultListen  = "0.0.0.0:80"
	DefaultWorkers = 4
	DefaultIndex   = "home"
	DefaultRunner  = "python3"
	DefaultDataDir = "./data"
	DefaultGrace   = 30 * time.Second
)

type Config struct {
	Listen   string
	Workers  int
	Patterns []string
	Index    string
	Static   []assets.MountSpec
	Runner   string
	DataDir  string
	Grace    time.Duration

	// WorkerExe overrides where the apphost binary lives. Empty means
	// "next to the gateway binary".
	WorkerExe string
	EnvFile   string
	Debug     bool

	// PrintAdminToken makes the gateway mint an operator token and exit
	// instead of serving.
	PrintAdminToken bool

	// OperatorSecret comes only from the environment; a secret on the
	// command line would leak through the process list.
	OperatorSecret string
}

// Load parses args (normally os.Args[1:]) and layers in the environment.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	var apps stringList
	var static mountList

	fs := flag.NewFlagSet("showfloor", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", DefaultListen, "address to serve on")
	fs.IntVar(&cfg.Workers, "workers", DefaultWorkers, "number of worker processes")
	fs.Var(&apps, "apps", "glob pattern for application files (repeatable)")
	fs.StringVar(&cfg.Index, "index", DefaultIndex, "route name of the index application")
	fs.Var(&static, "static", "static mount as prefix=dir (repeatable)")
	fs.StringVar(&cfg.Runner, "runner", DefaultRunner, "interpreter for script applications")
	fs.StringVar(&cfg.DataDir, "data-dir", DefaultDataDir, "directory for the manifest, audit log and keys")
	fs.DurationVar(&cfg.Grace, "grace", DefaultGrace, "graceful shutdown period")
	fs.StringVar(&cfg.WorkerExe, "worker-exe", "", "path to the apphost executable")
	fs.StringVar(&cfg.EnvFile, "env-file", "", "load environment variables from this file")
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.BoolVar(&cfg.PrintAdminToken, "print-admin-token", false, "print a fresh operator token and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// Dotenv values become plain environment variables, so they feed the
	// fallbacks below but never override variables already exported.
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
		}
	} else {
		// A .env in the working directory is optional.
		godotenv.Load()
	}

	if !set["listen"] {
		if v := os.Getenv("SHOWFLOOR_LISTEN"); v != "" {
			cfg.Listen = v
		}
	}
	if !set["workers"] {
		if v := os.Getenv("SHOWFLOOR_WORKERS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("SHOWFLOOR_WORKERS: %w", err)
			}
			cfg.Workers = n
		}
	}
	if len(apps) == 0 {
		if v := os.Getenv("SHOWFLOOR_APPS"); v != "" {
			for _, pattern := range strings.Split(v, ",") {
				if pattern = strings.TrimSpace(pattern); pattern != "" {
					apps = append(apps, pattern)
				}
			}
		}
	}
	if !set["index"] {
		if v := os.Getenv("SHOWFLOOR_INDEX"); v != "" {
			cfg.Index = v
		}
	}
	if len(static) == 0 {
		if v := os.Getenv("SHOWFLOOR_STATIC"); v != "" {
			for _, pair := range strings.Split(v, ",") {
				if pair = strings.TrimSpace(pair); pair == "" {
					continue
				}
				spec, err := parseMount(pair)
				if err != nil {
					return nil, fmt.Errorf("SHOWFLOOR_STATIC: %w", err)
				}
				static = append(static, spec)
			}
		}
	}
	if !set["runner"] {
		if v := os.Getenv("SHOWFLOOR_RUNNER"); v != "" {
			cfg.Runner = v
		}
	}
	if !set["data-dir"] {
		if v := os.Getenv("SHOWFLOOR_DATA_DIR"); v != "" {
			cfg.DataDir = v
		}
	}
	cfg.OperatorSecret = os.Getenv("SHOWFLOOR_OPERATOR_SECRET")

	cfg.Patterns = apps
	cfg.Static = static

	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.Listen == "" {
		return nil, fmt.Errorf("listen address must not be empty")
	}
	return cfg, nil
}

// stringList collects repeated flag values.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// mountList collects repeated prefix=dir mounts.
type mountList []assets.MountSpec

func (l *mountList) String() string {
	pairs := make([]string, 0, len(*l))
	for _, spec := range *l {
		pairs = append(pairs, spec.Prefix+"="+spec.Dir)
	}
	return strings.Join(pairs, ",")
}

func (l *mountList) Set(v string) error {
	spec, err := parseMount(v)
	if err != nil {
		return err
	}
	*l = append(*l, spec)
	return nil
}

func parseMount(v string) (assets.MountSpec, error) {
	prefix, dir, ok := strings.Cut(v, "=")
	if !ok || prefix == "" || dir == "" {
		return assets.MountSpec{}, fmt.Errorf("static mount must be prefix=dir, got %q", v)
	}
	return assets.MountSpec{Prefix: prefix, Dir: dir}, nil
}
