package kernel

import (
	"fmt"
	"log/slog"

	"github.com/Adarsh-Kmt/kmem/buffer_cache"
	"github.com/Adarsh-Kmt/kmem/page_allocator"
)

const (
	DEVICE_MEMORY = "memory"
	DEVICE_FILE   = "file"
	DEVICE_DIRECT = "direct"

	// ROOT_DEV is the device id the boot disk is mounted under.
	ROOT_DEV = 1

	DEFAULT_DISK_BLOCKS = 2000
	DEFAULT_IMAGE_PATH  = "fs.img"
)

type Config struct {
	Cache  buffer_cache.Config
	Memory page_allocator.Config

	// Device selects the boot disk: DEVICE_MEMORY, DEVICE_FILE or DEVICE_DIRECT.
	Device     string
	ImagePath  string
	DiskBlocks uint32

	// Throttle caps disk throughput in bytes per second. Zero disables it.
	Throttle int

	LogLevel slog.Level
	LogJSON  bool
}

func DefaultConfig() Config {
	return Config{
		Cache:      buffer_cache.DefaultConfig(),
		Memory:     page_allocator.DefaultConfig(),
		Device:     DEVICE_MEMORY,
		ImagePath:  DEFAULT_IMAGE_PATH,
		DiskBlocks: DEFAULT_DISK_BLOCKS,
		LogLevel:   slog.LevelInfo,
	}
}

func (config Config) validate() error {

	switch config.Device {
	case DEVICE_MEMORY, DEVICE_FILE, DEVICE_DIRECT:
	default:
		return fmt.Errorf("unknown device %q", config.Device)
	}

	if config.DiskBlocks == 0 {
		return fmt.Errorf("disk needs at least one block")
	}
	if config.Throttle < 0 {
		return fmt.Errorf("invalid throttle %d", config.Throttle)
	}
	return nil
}

// Option adjusts the boot configuration.
type Option func(config *Config)

func WithCache(cache buffer_cache.Config) Option {
	return func(config *Config) {
		config.Cache = cache
	}
}

func WithMemory(memory page_allocator.Config) Option {
	return func(config *Config) {
		config.Memory = memory
	}
}

// WithDevice selects the boot disk. imagePath is ignored for DEVICE_MEMORY.
func WithDevice(device string, imagePath string) Option {
	return func(config *Config) {
		config.Device = device
		config.ImagePath = imagePath
	}
}

func WithDiskBlocks(blocks uint32) Option {
	return func(config *Config) {
		config.DiskBlocks = blocks
	}
}

func WithThrottle(bytesPerSecond int) Option {
	return func(config *Config) {
		config.Throttle = bytesPerSecond
	}
}

func WithLogLevel(level slog.Level) Option {
	return func(config *Config) {
		config.LogLevel = level
	}
}

func WithJSONLogs(json bool) Option {
	return func(config *Config) {
		config.LogJSON = json
	}
}
