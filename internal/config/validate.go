package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/nulzo/relay/internal/core/domain"
)

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New()

	// Report field names from the mapstructure tag so messages match the
	// keys users actually write.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, trans)
}

var providerTypes = map[string]bool{
	"openai":        true,
	"anthropic":     true,
	"openai_compat": true,
}

// Validate checks the merged configuration: tagged field constraints,
// provider shapes, reserved names, reference resolution, and chain cycles.
// Any failure here is fatal at load time.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return domain.ConfigError("invalid configuration: %s", translateValidation(err))
	}

	for name, p := range c.Providers {
		if name == NativeProvider {
			return domain.ConfigError("provider name '%s' is reserved for the local host session", NativeProvider)
		}
		if !providerTypes[p.Type] {
			return domain.ConfigError("provider '%s' has unknown type '%s' (expected openai, anthropic, or openai_compat)", name, p.Type)
		}
		if p.Endpoint == "" {
			return domain.ConfigError("provider '%s' has no endpoint", name)
		}
	}

	if _, reserved := c.Aliases[NativeAlias]; reserved {
		return domain.ConfigError("alias '%s' is reserved for the local host session and cannot be redefined", NativeAlias)
	}
	for alias := range c.Aliases {
		if _, err := c.ResolveModelRef(alias); err != nil {
			return err
		}
	}

	for agent, binding := range c.Agents {
		if binding.Model == "" {
			return domain.ConfigError("agent '%s' has no model binding", agent)
		}
		resolved, err := c.ResolveModelRef(binding.Model)
		if err != nil {
			return domain.ConfigError("agent '%s': %v", agent, err)
		}
		if binding.LocalOnly() && resolved.Provider != NativeProvider {
			return domain.ConfigError("agent '%s' requires local_only but is bound to remote provider '%s'", agent, resolved.Provider)
		}
	}

	if err := c.validateChains(); err != nil {
		return err
	}

	if c.ModelOverride != "" {
		if _, err := c.ResolveModelRef(c.ModelOverride); err != nil {
			return domain.ConfigError("model override: %v", err)
		}
	}

	return nil
}

// validateChains checks that fallback chains key off known providers,
// downgrade chains key off known aliases, every entry resolves, and no
// chain revisits a provider:model pair.
func (c *Config) validateChains() error {
	for provider, chain := range c.Routing.Fallback {
		if _, ok := c.Providers[provider]; !ok && provider != NativeProvider {
			return domain.ConfigError("fallback chain keyed on unknown provider '%s'", provider)
		}
		if err := c.checkChainEntries("fallback", provider, chain); err != nil {
			return err
		}
	}
	for alias, chain := range c.Routing.Downgrade {
		if _, err := c.ResolveModelRef(alias); err != nil {
			return domain.ConfigError("downgrade chain keyed on unresolvable alias '%s': %v", alias, err)
		}
		if err := c.checkChainEntries("downgrade", alias, chain); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) checkChainEntries(kind, key string, chain []string) error {
	seen := make(map[string]bool)
	for _, entry := range chain {
		resolved, err := c.ResolveModelRef(entry)
		if err != nil {
			return domain.ConfigError("%s chain for '%s': %v", kind, key, err)
		}
		if seen[resolved.Key()] {
			return domain.ConfigError("%s chain for '%s' revisits '%s'", kind, key, resolved.Key())
		}
		seen[resolved.Key()] = true
	}
	return nil
}

func translateValidation(err error) string {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Namespace(), e.Translate(trans)))
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
