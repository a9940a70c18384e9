// Package quota gates each turn against the per-user budgets.
package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits are the configured ceilings. Every ceiling is inclusive: spending
// exactly the ceiling is allowed.
type Limits struct {
	MaxUsers        int64 `yaml:"max_users"`
	MaxGPTTokens    int64 `yaml:"max_gpt_tokens"`
	MaxTTSSymbols   int64 `yaml:"max_tts_symbols"`
	MaxSTTBlocks    int64 `yaml:"max_stt_blocks"`
	STTBlockSeconds int64 `yaml:"stt_block_seconds"`
	MaxVoiceSeconds int64 `yaml:"max_voice_seconds"`
}

// DefaultLimits are used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxUsers:        3,
		MaxGPTTokens:    2000,
		MaxTTSSymbols:   5000,
		MaxSTTBlocks:    12,
		STTBlockSeconds: 15,
		MaxVoiceSeconds: 30,
	}
}

func (l Limits) Validate() error {
	checks := []struct {
		name string
		v    int64
	}{
		{"max_users", l.MaxUsers},
		{"max_gpt_tokens", l.MaxGPTTokens},
		{"max_tts_symbols", l.MaxTTSSymbols},
		{"max_stt_blocks", l.MaxSTTBlocks},
		{"stt_block_seconds", l.STTBlockSeconds},
		{"max_voice_seconds", l.MaxVoiceSeconds},
	}
	for _, c := range checks {
		if c.v <= 0 {
			return fmt.Errorf("quota: %s must be positive, got %d", c.name, c.v)
		}
	}
	return nil
}

// LoadLimits overlays a YAML file on base. ${VAR} references are expanded
// before parsing; keys missing from the file keep their base values.
func LoadLimits(path string, base Limits) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("quota: read limits: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	out := base
	if err := yaml.Unmarshal([]byte(expanded), &out); err != nil {
		return Limits{}, fmt.Errorf("quota: parse limits: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Limits{}, err
	}
	return out, nil
}
