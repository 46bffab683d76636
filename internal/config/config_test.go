package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		NodeName:             "node-a",
		CgroupRoot:           "/sys/fs/cgroup",
		ClassifierObjectPath: "/usr/lib/podflow-agent/classifier.o",
		ListenAddr:           "0.0.0.0:9090",
		HealthAddr:           "0.0.0.0:9091",
		FlowTimeout:          30 * time.Second,
		ExpireInterval:       10 * time.Second,
		LogLevel:             "info",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing node name", mutate: func(c *Config) { c.NodeName = "" }, wantErr: true},
		{name: "missing cgroup root", mutate: func(c *Config) { c.CgroupRoot = "" }, wantErr: true},
		{name: "missing classifier path", mutate: func(c *Config) { c.ClassifierObjectPath = "" }, wantErr: true},
		{name: "invalid listen addr", mutate: func(c *Config) { c.ListenAddr = "not-an-addr" }, wantErr: true},
		{name: "invalid health addr", mutate: func(c *Config) { c.HealthAddr = "not-an-addr" }, wantErr: true},
		{name: "zero flow timeout", mutate: func(c *Config) { c.FlowTimeout = 0 }, wantErr: true},
		{name: "negative expire interval", mutate: func(c *Config) { c.ExpireInterval = -1 }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
