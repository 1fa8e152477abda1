// Package config loads kernel tuning from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Kernel   KernelConfig
	Memory   MemoryConfig
	IPC      IPCConfig
	Watchdog WatchdogConfig
	Apps     AppConfig
	Logging  LogConfig
}

// KernelConfig holds core tick-loop configuration.
type KernelConfig struct {
	TickInterval time.Duration `envconfig:"KERNEL_TICK_INTERVAL" default:"1ms"`
	ThreadStack  int           `envconfig:"KERNEL_STACK_SIZE" default:"4096"`
	MaxPriority  int           `envconfig:"KERNEL_MAX_PRIORITY" default:"25"`
}

// MemoryConfig holds per-pool byte budgets.
type MemoryConfig struct {
	InternalBytes int `envconfig:"MEM_INTERNAL_BYTES" default:"262144"`
	SPIRAMBytes   int `envconfig:"MEM_SPIRAM_BYTES" default:"4194304"`
	DMABytes      int `envconfig:"MEM_DMA_BYTES" default:"65536"`
	LowWatermark  int `envconfig:"MEM_LOW_WATERMARK" default:"1024"`
}

// IPCConfig holds queue and event-bus limits.
type IPCConfig struct {
	EventBuffer    int `envconfig:"IPC_EVENT_BUFFER" default:"50"`
	MaxMessageSize int `envconfig:"IPC_MAX_MESSAGE_SIZE" default:"256"`
	MaxEventSize   int `envconfig:"IPC_MAX_EVENT_SIZE" default:"64"`
}

// WatchdogConfig holds hardware watchdog and panic tuning.
type WatchdogConfig struct {
	HardwareTimeout time.Duration `envconfig:"WDT_HARDWARE_TIMEOUT" default:"30s"`
	RestartDelay    time.Duration `envconfig:"WDT_RESTART_DELAY" default:"3s"`
	StackFloor      int           `envconfig:"WDT_STACK_FLOOR" default:"256"`
}

// AppConfig holds app loader configuration.
type AppConfig struct {
	ExternalDir   string        `envconfig:"APP_EXTERNAL_DIR" default:"apps"`
	ForceExitHold time.Duration `envconfig:"APP_FORCE_EXIT_HOLD" default:"2s"`
	DefaultStack  int           `envconfig:"APP_DEFAULT_STACK" default:"4096"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			TickInterval: time.Millisecond,
			ThreadStack:  4096,
			MaxPriority:  25,
		},
		Memory: MemoryConfig{
			InternalBytes: 256 * 1024,
			SPIRAMBytes:   4 * 1024 * 1024,
			DMABytes:      64 * 1024,
			LowWatermark:  1024,
		},
		IPC: IPCConfig{
			EventBuffer:    50,
			MaxMessageSize: 256,
			MaxEventSize:   64,
		},
		Watchdog: WatchdogConfig{
			HardwareTimeout: 30 * time.Second,
			RestartDelay:    3 * time.Second,
			StackFloor:      256,
		},
		Apps: AppConfig{
			ExternalDir:   "apps",
			ForceExitHold: 2 * time.Second,
			DefaultStack:  4096,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
