package rrc

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"firestige.xyz/tracelens/internal/core"
)

// LoadProfiles reads the `profiles:` list of a profile file. Each entry
// starts from the built-in profile of its family, so a file only needs the
// values it overrides.
func LoadProfiles(path string) ([]Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}
	raw, ok := v.Get("profiles").([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing profiles list", core.ErrConfigInvalid, path)
	}
	return DecodeProfiles(raw)
}

// DecodeProfiles decodes profile maps as found in configuration.
func DecodeProfiles(raw []interface{}) ([]Profile, error) {
	profiles := make([]Profile, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: profile %d is not a mapping", core.ErrConfigInvalid, i)
		}
		p, err := decodeProfile(m)
		if err != nil {
			return nil, fmt.Errorf("profile %d: %w", i, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func decodeProfile(m map[string]interface{}) (Profile, error) {
	family, _ := m["family"].(string)
	p, ok := Builtin(family)
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown family %q", core.ErrConfigInvalid, family)
	}
	base := p.Family

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return Profile{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	p.Family = base
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
