package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config is the optional YAML override file for mrpcsrv, following the
// pack's cobra-flags-as-source-of-truth / yaml-as-override idiom. Listen,
// KeyFile and Verbose have cobra flags (-P, --key, -v) that take precedence
// when set; the other fields come from the config file only.
type config struct {
	Listen           string        `yaml:"listen"`
	KeyFile          string        `yaml:"keyFile"`
	Verbose          bool          `yaml:"verbose"`
	SessionReuseTime time.Duration `yaml:"sessionReuseTime"`
	KeyValidTime     time.Duration `yaml:"keyValidTime"`
	AcceptRatePerSec float64       `yaml:"acceptRatePerSec"`
	Clients          []clientEntry `yaml:"clients"`
}

// clientEntry maps one client's keyId to the file holding its long-term
// ECDSA identity public key PEM, populating the server's PublicKeyLookup.
type clientEntry struct {
	KeyID   string `yaml:"keyId"`
	KeyFile string `yaml:"keyFile"`
}

func loadConfig(path string) (*config, error) {
	if path == "" {
		return &config{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &c, nil
}
