package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers the gateway-specific validation
// tags. Must be called before validating a Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("argon2hash", validateArgon2Hash); err != nil {
		return fmt.Errorf("failed to register argon2hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts anything time.ParseDuration does.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateArgon2Hash accepts PHC-format argon2id hashes, the only form
// `agentward hash-key` emits.
func validateArgon2Hash(fl validator.FieldLevel) bool {
	return strings.HasPrefix(fl.Field().String(), "$argon2id$")
}

// Validate checks struct tags plus the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validatePolicySigning(); err != nil {
		return err
	}
	if err := c.validateTLSPair(); err != nil {
		return err
	}

	return nil
}

// validatePolicySigning keeps the signing knobs coherent: verification
// needs both file locations, and requiring a signed policy without
// verification would be meaningless.
func (c *Config) validatePolicySigning() error {
	if c.Policy.RequireSigned && !c.Policy.Verify {
		return errors.New("policy: require_signed needs verify enabled (set AGENTWARD_VERIFY_POLICY=1)")
	}
	if c.Policy.Verify {
		if c.Policy.Path == "" {
			return errors.New("policy: verify enabled but no policy path (set AGENTWARD_POLICY_PATH)")
		}
		if c.Policy.Pubkey == "" {
			return errors.New("policy: verify enabled but no public key (set AGENTWARD_POLICY_PUBKEY)")
		}
	}
	return nil
}

// validateTLSPair requires cert and key together.
func (c *Config) validateTLSPair() error {
	hasCert := c.Server.TLSCert != ""
	hasKey := c.Server.TLSKey != ""
	if hasCert != hasKey {
		return errors.New("server: tls_cert and tls_key must be set together")
	}
	return nil
}

// formatValidationErrors converts validator errors to actionable
// messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	case "dir":
		return fmt.Sprintf("%s must be an existing directory", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like 30s or 5m", field)
	case "argon2hash":
		return fmt.Sprintf("%s must be an argon2id hash from `agentward hash-key`", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
