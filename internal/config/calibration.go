package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// calibrationFile is the on-disk shape of a calibration override: every
// field is optional, and only fields present in the file override the
// flag-derived defaults already in cfg. This backs the open design
// decision to leave provider-performance tradeoffs (accelerator vs CPU)
// to empirical tuning rather than a baked-in default.
type calibrationFile struct {
	Selector *struct {
		ShortCap      *int     `yaml:"short_cap"`
		LongCap       *int     `yaml:"long_cap"`
		HysteresisPct *float64 `yaml:"hysteresis_pct"`
	} `yaml:"selector"`
	Pool *struct {
		MaxConsecutiveErrors *int `yaml:"max_consecutive_errors"`
		CleanupAfterOps      *int `yaml:"cleanup_after_ops"`
		CleanupAfterWallS    *int `yaml:"cleanup_after_wall_s"`
	} `yaml:"pool"`
	Segment *struct {
		MaxChars    *int `yaml:"max_chars"`
		HardCeiling *int `yaml:"hard_ceiling"`
	} `yaml:"segment"`
}

func applyCalibration(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var cal calibrationFile
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if s := cal.Selector; s != nil {
		if s.ShortCap != nil {
			cfg.Selector.ShortCap = *s.ShortCap
		}
		if s.LongCap != nil {
			cfg.Selector.LongCap = *s.LongCap
		}
		if s.HysteresisPct != nil {
			cfg.Selector.HysteresisPct = *s.HysteresisPct
		}
	}
	if p := cal.Pool; p != nil {
		if p.MaxConsecutiveErrors != nil {
			cfg.Pool.MaxConsecutiveErrors = *p.MaxConsecutiveErrors
		}
		if p.CleanupAfterOps != nil {
			cfg.Pool.CleanupAfterOps = *p.CleanupAfterOps
		}
		if p.CleanupAfterWallS != nil {
			cfg.Pool.CleanupAfterWall = time.Duration(*p.CleanupAfterWallS) * time.Second
		}
	}
	if s := cal.Segment; s != nil {
		if s.MaxChars != nil {
			cfg.Segment.MaxChars = *s.MaxChars
		}
		if s.HardCeiling != nil {
			cfg.Segment.HardCeiling = *s.HardCeiling
		}
	}
	return nil
}
