package backend

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/flowcap/internal/core"
)

// optionChecker is implemented by option structs with range constraints.
type optionChecker interface {
	check() error
}

// decodeOptions decodes cfg.Options[name] into out and range checks the
// result. Unknown keys are rejected so a typo does not silently fall back
// to a default.
func decodeOptions(cfg Config, name string, out any) error {
	raw, ok := cfg.Options[name]
	if !ok || raw == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%s options: %w: %v", name, core.ErrConfigInvalid, err)
	}
	if c, ok := out.(optionChecker); ok {
		if err := c.check(); err != nil {
			return fmt.Errorf("%s options: %w: %v", name, core.ErrConfigInvalid, err)
		}
	}
	return nil
}
