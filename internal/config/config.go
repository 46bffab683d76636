// Package config holds the agent's startup configuration: flag-parsed
// values plus the handful of environment variables spec'd as external
// interface (§6) — NODE_NAME for node identity, LOG_LEVEL for verbosity.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

// validLogLevels mirrors the RUST_LOG-style level names spec'd for this
// agent: a small fixed vocabulary, not arbitrary strings.
var validLogLevels = map[string]bool{
	"error": true,
	"warn":  true,
	"info":  true,
	"debug": true,
	"trace": true,
}

// Config holds the agent's full runtime configuration.
type Config struct {
	NodeName string

	Kubeconfig           string
	CgroupRoot           string
	ClassifierObjectPath string
	Interface            string // empty = auto-discover via netdiscover
	ListenAddr           string
	HealthAddr           string

	FlowTimeout    time.Duration
	ExpireInterval time.Duration

	LogLevel string

	// SkipClassifier mirrors the CI environment variable (§6): when set,
	// the classifier build this module doesn't perform is also not loaded
	// at runtime, so the agent can start in a CI sandbox with no kernel
	// object on disk and no capability to attach one.
	SkipClassifier bool
}

// Load parses command-line flags and the handful of environment variables
// spec'd as external interface (§6): NODE_NAME selects the node identifier
// for status reporting and has no flag equivalent, matching
// pkg/k8s/client.go's KUBECONFIG-env-then-flag mix. Callers must still call
// Validate before using the result.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("podflow-agent", flag.ContinueOnError)

	kubeconfig := fs.String("kubeconfig", os.Getenv("KUBECONFIG"), "path to kubeconfig (empty = in-cluster)")
	cgroupRoot := fs.String("cgroup-root", "/sys/fs/cgroup", "cgroup v2 root to probe for container inodes")
	classifierObj := fs.String("classifier-object", "/usr/lib/podflow-agent/classifier.o", "path to the compiled TC classifier object")
	iface := fs.String("interface", "", "interface to monitor (empty = auto-discover)")
	listenAddr := fs.String("listen-addr", "0.0.0.0:9090", "RPC listen address")
	healthAddr := fs.String("health-addr", "0.0.0.0:9091", "gRPC health check listen address")
	flowTimeout := fs.Duration("flow-timeout", 30*time.Second, "idle duration after which a flow is expired")
	expireInterval := fs.Duration("expire-interval", 10*time.Second, "interval between flow-expiry sweeps")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		NodeName:             os.Getenv("NODE_NAME"),
		Kubeconfig:           *kubeconfig,
		CgroupRoot:           *cgroupRoot,
		ClassifierObjectPath: *classifierObj,
		Interface:            *iface,
		ListenAddr:           *listenAddr,
		HealthAddr:           *healthAddr,
		FlowTimeout:          *flowTimeout,
		ExpireInterval:       *expireInterval,
		LogLevel:             logLevel,
		SkipClassifier:       os.Getenv("CI") != "",
	}, nil
}

// Validate checks that Config's values are usable before the agent starts
// any component. Fatal-at-startup per §7: a bad value here must stop the
// process, not degrade silently.
func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("config: NODE_NAME must be set")
	}
	if c.CgroupRoot == "" {
		return fmt.Errorf("config: cgroup root must not be empty")
	}
	if c.ClassifierObjectPath == "" {
		return fmt.Errorf("config: classifier object path must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("config: invalid listen address %q: %w", c.ListenAddr, err)
	}
	if _, _, err := net.SplitHostPort(c.HealthAddr); err != nil {
		return fmt.Errorf("config: invalid health address %q: %w", c.HealthAddr, err)
	}
	if c.FlowTimeout <= 0 {
		return fmt.Errorf("config: flow timeout must be positive, got %s", c.FlowTimeout)
	}
	if c.ExpireInterval <= 0 {
		return fmt.Errorf("config: expire interval must be positive, got %s", c.ExpireInterval)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config: invalid log level %q (want one of error, warn, info, debug, trace)", c.LogLevel)
	}
	return nil
}
