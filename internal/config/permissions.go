// Package config serves the runtime configuration tree to scripts through a
// permissioned, audited bridge. The tree has four sections: providers,
// tools, runtime and security.
package config

import (
	"strings"

	"github.com/rendis/agentscript/pkg/schema"
)

// Permissions grant a bridge access to the configuration tree. Nil
// allow-lists permit every provider or tool.
type Permissions struct {
	Read             bool     `json:"read" yaml:"read"`
	ModifyProviders  bool     `json:"modify_providers" yaml:"modify_providers"`
	ModifyTools      bool     `json:"modify_tools" yaml:"modify_tools"`
	ModifyRuntime    bool     `json:"modify_runtime" yaml:"modify_runtime"`
	ModifySecurity   bool     `json:"modify_security" yaml:"modify_security"`
	AccessSecrets    bool     `json:"access_secrets" yaml:"access_secrets"`
	AllowedProviders []string `json:"allowed_providers,omitempty" yaml:"allowed_providers,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
}

// ReadOnly can read the redacted tree.
func ReadOnly() Permissions { return Permissions{Read: true} }

// Standard can modify everything but security.
func Standard() Permissions {
	return Permissions{Read: true, ModifyProviders: true, ModifyTools: true, ModifyRuntime: true}
}

// Full can do everything, including reading secrets.
func Full() Permissions {
	return Permissions{
		Read: true, ModifyProviders: true, ModifyTools: true,
		ModifyRuntime: true, ModifySecurity: true, AccessSecrets: true,
	}
}

// Preset resolves read_only, standard or full.
func Preset(name string) (Permissions, error) {
	switch strings.ToLower(name) {
	case "read_only", "readonly", "read-only":
		return ReadOnly(), nil
	case "standard", "":
		return Standard(), nil
	case "full":
		return Full(), nil
	}
	return Permissions{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown permission preset %q", name)
}

func allowed(list []string, name string) bool {
	if list == nil {
		return true
	}
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// Section names.
const (
	SectionProviders = "providers"
	SectionTools     = "tools"
	SectionRuntime   = "runtime"
	SectionSecurity  = "security"
)

// Sections lists the top-level keys of the tree.
func Sections() []string {
	return []string{SectionProviders, SectionTools, SectionRuntime, SectionSecurity}
}

// canModify checks the permission governing path. It returns a deny reason
// or "".
func (p Permissions) canModify(path string) string {
	section, rest, _ := strings.Cut(path, ".")
	name, _, _ := strings.Cut(rest, ".")
	switch section {
	case SectionProviders:
		if !p.ModifyProviders {
			return "no modify_providers permission"
		}
		if name != "" && !allowed(p.AllowedProviders, name) {
			return "provider '" + name + "' not in allowed list"
		}
	case SectionTools:
		if !p.ModifyTools {
			return "no modify_tools permission"
		}
		if name != "" && !allowed(p.AllowedTools, name) {
			return "tool '" + name + "' not in allowed list"
		}
	case SectionRuntime:
		if !p.ModifyRuntime {
			return "no modify_runtime permission"
		}
	case SectionSecurity:
		if !p.ModifySecurity {
			return "no modify_security permission"
		}
	default:
		return "unknown configuration section '" + section + "'"
	}
	return ""
}
