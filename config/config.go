// Package config loads the settings of a log instance.
//
// Settings come from a YAML, TOML or JSON file read with viper; sizes
// are human-readable strings such as "64MB".
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/viper"

	"github.com/mit-pdos/go-wal/chkpt"
	"github.com/mit-pdos/go-wal/common"
	"github.com/mit-pdos/go-wal/lsn"
	"github.com/mit-pdos/go-wal/record"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Dir                string
	BufferSize         int64
	PartitionSize      int64
	PartitionCount     int
	FlushInterval      time.Duration
	CheckpointInterval time.Duration
	CloseMinAttempts   int
	CloseMinBackoff    time.Duration
	SpaceWaitTimeout   time.Duration
	BufferPoolPages    int
	MaxActiveXcts      int
	LogLevel           string
	MetricsAddr        string
}

func Default() Config {
	return Config{
		Dir:                "wal",
		BufferSize:         common.DEFAULTBUFSIZE,
		PartitionSize:      common.DEFAULTPARTSIZE,
		PartitionCount:     common.PARTITIONCOUNT,
		FlushInterval:      common.FLUSHINTERVAL,
		CheckpointInterval: common.CHKPTINTERVAL,
		CloseMinAttempts:   common.CLOSEMINATTEMPTS,
		CloseMinBackoff:    common.CLOSEMINBACKOFF,
		SpaceWaitTimeout:   common.SPACEWAITTIMEOUT,
		BufferPoolPages:    common.DEFAULTPOOLPAGES,
		MaxActiveXcts:      common.DEFAULTMAXXCTS,
		LogLevel:           "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("dir", d.Dir)
	v.SetDefault("buffer_size", bytefmt.ByteSize(uint64(d.BufferSize)))
	v.SetDefault("partition_size", bytefmt.ByteSize(uint64(d.PartitionSize)))
	v.SetDefault("partition_count", d.PartitionCount)
	v.SetDefault("flush_interval", d.FlushInterval)
	v.SetDefault("checkpoint_interval", d.CheckpointInterval)
	v.SetDefault("close_min_attempts", d.CloseMinAttempts)
	v.SetDefault("close_min_backoff", d.CloseMinBackoff)
	v.SetDefault("space_wait_timeout", d.SpaceWaitTimeout)
	v.SetDefault("buffer_pool_pages", d.BufferPoolPages)
	v.SetDefault("max_active_xcts", d.MaxActiveXcts)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}

func size(v *viper.Viper, key string) (int64, error) {
	s := strings.TrimSpace(v.GetString(key))
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalid, key, s, err)
	}
	return int64(n), nil
}

// FromViper reads a Config out of v, filling in defaults.
func FromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)
	c := Config{
		Dir:                v.GetString("dir"),
		PartitionCount:     v.GetInt("partition_count"),
		FlushInterval:      v.GetDuration("flush_interval"),
		CheckpointInterval: v.GetDuration("checkpoint_interval"),
		CloseMinAttempts:   v.GetInt("close_min_attempts"),
		CloseMinBackoff:    v.GetDuration("close_min_backoff"),
		SpaceWaitTimeout:   v.GetDuration("space_wait_timeout"),
		BufferPoolPages:    v.GetInt("buffer_pool_pages"),
		MaxActiveXcts:      v.GetInt("max_active_xcts"),
		LogLevel:           v.GetString("log_level"),
		MetricsAddr:        v.GetString("metrics_addr"),
	}
	var err error
	if c.BufferSize, err = size(v, "buffer_size"); err != nil {
		return Config{}, err
	}
	if c.PartitionSize, err = size(v, "partition_size"); err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// Load reads the config file at path; an empty path gives the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// DataSize is the record capacity of one partition.
func (c Config) DataSize() int64 {
	return c.PartitionSize - common.BlockSize
}

// MaxChkptSize is the worst-case size of one checkpoint.
func (c Config) MaxChkptSize() int64 {
	return chkpt.MaxSize(c.BufferPoolPages, c.MaxActiveXcts)
}

func invalid(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, a...))
}

func (c Config) Validate() error {
	if c.Dir == "" {
		return invalid("empty dir")
	}
	if c.PartitionCount < 2 {
		return invalid("partition_count %d, need at least 2", c.PartitionCount)
	}
	if c.PartitionSize%common.BlockSize != 0 {
		return invalid("partition_size %d is not a multiple of %d", c.PartitionSize, common.BlockSize)
	}
	if c.DataSize() < int64(record.MaxSize) || uint64(c.DataSize()) > lsn.MaxOffset {
		return invalid("partition_size %d out of range", c.PartitionSize)
	}
	if c.BufferSize%common.BlockSize != 0 ||
		c.BufferSize < 2*int64(record.MaxSize)+2*common.BlockSize {
		return invalid("buffer_size %d must be a multiple of %d and at least %d",
			c.BufferSize, common.BlockSize, 2*int64(record.MaxSize)+2*common.BlockSize)
	}
	if c.FlushInterval <= 0 {
		return invalid("flush_interval %v", c.FlushInterval)
	}
	if c.CheckpointInterval < 0 {
		return invalid("checkpoint_interval %v", c.CheckpointInterval)
	}
	if c.CloseMinAttempts < 1 {
		return invalid("close_min_attempts %d", c.CloseMinAttempts)
	}
	if c.SpaceWaitTimeout <= 0 {
		return invalid("space_wait_timeout %v", c.SpaceWaitTimeout)
	}
	if c.BufferPoolPages < 1 || c.MaxActiveXcts < 1 {
		return invalid("buffer_pool_pages %d, max_active_xcts %d", c.BufferPoolPages, c.MaxActiveXcts)
	}
	// the current partition is never reclaimable, so the rest must hold
	// two checkpoints
	usable := int64(c.PartitionCount-1) * c.DataSize()
	if usable < 2*c.MaxChkptSize() {
		return invalid("%d bytes of log cannot hold two checkpoints of %d bytes",
			usable, c.MaxChkptSize())
	}
	return nil
}
