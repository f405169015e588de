package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dhtfs/pkg/block"
	"github.com/marmos91/dhtfs/pkg/legacy"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if _, err := block.ParseCompression(cfg.Store.Compression); err != nil {
		return fmt.Errorf("store.compression: %w", err)
	}
	if _, err := block.ParseChecksum(cfg.Store.Checksum); err != nil {
		return fmt.Errorf("store.checksum: %w", err)
	}

	if _, err := legacy.ParseMappings(cfg.Paths.LegacyMapping); err != nil {
		return fmt.Errorf("paths.legacy_mapping: %w", err)
	}

	if cfg.Paths.WritablePrefix == "/" {
		return errors.New("paths.writable_prefix: must not be the root")
	}

	for _, p := range cfg.Paths.NativeOnly {
		if strings.HasPrefix(p, cfg.Paths.WritablePrefix+"/") || p == cfg.Paths.WritablePrefix {
			return fmt.Errorf("paths.native_only: %q is inside the writable prefix", p)
		}
	}

	if cfg.Stats.DetailInterval < cfg.Stats.Interval {
		return fmt.Errorf("stats.detail_interval: must not be shorter than stats.interval (%s)", cfg.Stats.Interval)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
