// Package config holds the enumerated settings of spec §6: the values of
// Default, optionally overlaid by the YAML file that `leaxer serve
// --config` names. No setting here is read from flags or the environment.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables spec.md §6 enumerates.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Queue   QueueConfig   `yaml:"queue"`
	Tracker TrackerConfig `yaml:"process_tracker"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	ListenPortImage        int `yaml:"listen_port_image"`
	ListenPortText         int `yaml:"listen_port_text"`
	ContextSize            int `yaml:"context_size"`
	UnloadAfterIdleSeconds int `yaml:"unload_after_idle_seconds"`
	MetricsPort            int `yaml:"metrics_port"`
}

type QueueConfig struct {
	BatchingEnabled bool `yaml:"batching_enabled"`
}

type TrackerConfig struct {
	HealthCheckIntervalMS int `yaml:"health_check_interval_ms"`
}

type LogConfig struct {
	RingSize int `yaml:"ring_size"`
	BatchMS  int `yaml:"batch_ms"`
}

// Default returns the defaults enumerated in spec.md §6.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenPortImage:        1234,
			ListenPortText:         8080,
			ContextSize:            8192,
			UnloadAfterIdleSeconds: 30,
			MetricsPort:            9090,
		},
		Queue: QueueConfig{
			BatchingEnabled: true,
		},
		Tracker: TrackerConfig{
			HealthCheckIntervalMS: 60000,
		},
		Log: LogConfig{
			RingSize: 1000,
			BatchMS:  100,
		},
	}
}

// LoadFile overlays YAML-file settings onto the defaults. A missing file
// is not an error; callers that want to require one check os.Stat first.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HealthCheckInterval returns the tracker's health-check interval as a
// time.Duration.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Tracker.HealthCheckIntervalMS) * time.Millisecond
}

// LogBatchInterval returns the log broadcaster's batching window.
func (c *Config) LogBatchInterval() time.Duration {
	return time.Duration(c.Log.BatchMS) * time.Millisecond
}

// UnloadAfterIdle returns the idle duration after which a model_caching_
// strategy="unload_after" server is stopped (spec §9(c)).
func (c *Config) UnloadAfterIdle() time.Duration {
	return time.Duration(c.Server.UnloadAfterIdleSeconds) * time.Second
}
