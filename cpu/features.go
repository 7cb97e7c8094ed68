package cpu

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Features gates the optional instruction extensions Tier-0 honors. It must
// match whatever CPUID-reporting policy the surrounding system advertises
// to the guest; no ambient defaults are consulted at execution time.
type Features struct {
	Sse        bool `yaml:"sse"`
	Sse2       bool `yaml:"sse2"`
	Sse3       bool `yaml:"sse3"`
	Cmov       bool `yaml:"cmov"`
	Cmpxchg16b bool `yaml:"cmpxchg16b"`
	Popcnt     bool `yaml:"popcnt"`
	Fpu        bool `yaml:"fpu"`
}

// DefaultFeatures is the baseline profile the engine targets.
func DefaultFeatures() Features {
	return Features{
		Sse:        true,
		Sse2:       true,
		Sse3:       true,
		Cmov:       true,
		Cmpxchg16b: true,
		Popcnt:     true,
		Fpu:        true,
	}
}

// JITConfig tunes Tier-1 promotion and block discovery.
type JITConfig struct {
	// HotThreshold is the execution count at which an address is compiled.
	HotThreshold uint64 `yaml:"hot_threshold"`
	// MaxBlockInsts bounds the number of instructions per basic block.
	MaxBlockInsts int `yaml:"max_block_insts"`
	// MaxBlockBytes bounds the total byte length of a basic block.
	MaxBlockBytes int `yaml:"max_block_bytes"`
}

func DefaultJITConfig() JITConfig {
	return JITConfig{
		HotThreshold:  32,
		MaxBlockInsts: 64,
		MaxBlockBytes: 512,
	}
}

// Config bundles the caller-facing configuration surface.
type Config struct {
	Features Features  `yaml:"features"`
	JIT      JITConfig `yaml:"jit"`
}

func DefaultConfig() Config {
	return Config{Features: DefaultFeatures(), JIT: DefaultJITConfig()}
}

// LoadConfig reads a Config from a YAML file, starting from defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.JIT.HotThreshold == 0 {
		cfg.JIT.HotThreshold = DefaultJITConfig().HotThreshold
	}
	if cfg.JIT.MaxBlockInsts <= 0 {
		cfg.JIT.MaxBlockInsts = DefaultJITConfig().MaxBlockInsts
	}
	if cfg.JIT.MaxBlockBytes <= 0 {
		cfg.JIT.MaxBlockBytes = DefaultJITConfig().MaxBlockBytes
	}
	return cfg, nil
}
