// gearctl is a small operational companion to the library: submit jobs,
// poll handles and inspect servers from the command line.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskmux/gearman"
)

type cliConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
	Prefix  string        `yaml:"prefix"`
	Backoff time.Duration `yaml:"backoff_max"`
}

func loadConfig(path string) (*cliConfig, error) {
	cfg := &cliConfig{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (cfg *cliConfig) client() (*gearman.Client, error) {
	opts := []gearman.Option{gearman.WithServers(cfg.Servers...)}
	if cfg.Prefix != "" {
		opts = append(opts, gearman.WithPrefix(cfg.Prefix))
	}
	if cfg.Backoff > 0 {
		opts = append(opts, gearman.WithMaxBackoff(cfg.Backoff))
	}
	return gearman.New(opts...)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
