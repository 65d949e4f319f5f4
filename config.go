package reqpipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"
)

// ByteSize decodes values like "10MB", "5GB", "100KB" from an env var, used
// for every byte-sized knob below.
type ByteSize int64

func (b *ByteSize) UnmarshalText(data []byte) error {
	value := strings.TrimSpace(strings.ToUpper(string(data)))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "GB"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		multiplier = 1 << 10
		value = strings.TrimSuffix(value, "KB")
	case strings.HasSuffix(value, "B"):
		multiplier = 1
		value = strings.TrimSuffix(value, "B")
	}
	num, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*b = ByteSize(num * float64(multiplier))
	return nil
}

// Config holds every env-driven knob for the pipeline: disk-cache sizing
// plus the queue-level knobs (worker pool size, buffer pool cap).
type Config struct {
	CacheDir        string        `env:"CACHE_DIR" envDefault:"cache"`
	MaxSize         ByteSize      `env:"MAX_SIZE" envDefault:"10GB"`         // 0 means unlimited
	EntryMaxSize    ByteSize      `env:"ENTRY_MAX_SIZE" envDefault:"500MB"`  // 0 means unlimited
	DefaultEntryTTL time.Duration `env:"DEFAULT_ENTRY_TTL" envDefault:"1h"`  // informational; not yet consumed by freshness derivation
	NetworkWorkers  int           `env:"NETWORK_WORKERS" envDefault:"4"`     // size of the network-stage worker pool
	BufferPoolBytes ByteSize      `env:"BUFFER_POOL_BYTES" envDefault:"8MB"` // total capacity of the byte-buffer pool
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	EnableLogging   bool          `env:"ENABLE_LOGGING" envDefault:"true"`
}

// Print logs every field, formatting byte sizes with go-humanize.
func (c *Config) Print() {
	log.Info("Config:")
	log.Info("  CacheDir: %s", c.CacheDir)
	log.Info("  MaxSize: %s", humanize.IBytes(uint64(c.MaxSize)))
	log.Info("  EntryMaxSize: %s", humanize.IBytes(uint64(c.EntryMaxSize)))
	log.Info("  DefaultEntryTTL: %s", c.DefaultEntryTTL)
	log.Info("  NetworkWorkers: %d", c.NetworkWorkers)
	log.Info("  BufferPoolBytes: %s", humanize.IBytes(uint64(c.BufferPoolBytes)))
	log.Info("  MetricsAddr: %s", c.MetricsAddr)
	log.Info("  EnableLogging: %t", c.EnableLogging)
}

// QueueOptions adapts a Config into the options NewQueue expects.
func (c *Config) QueueOptions(transport Transport) QueueOptions {
	return QueueOptions{
		CacheDir:        c.CacheDir,
		MaxDiskBytes:    int64(c.MaxSize),
		EntryMaxBytes:   int64(c.EntryMaxSize),
		NetworkWorkers:  c.NetworkWorkers,
		Transport:       transport,
		BufferPoolBytes: int64(c.BufferPoolBytes),
	}
}
