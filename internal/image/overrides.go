package image

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// overridesFile is the on-disk shape of a capability overrides file.
//
//	capabilities:
//	  JQ:
//	    apt_package: jq
//	  RUSTUP:
//	    install:
//	      - RUN curl https://sh.rustup.rs -sSf | sh -s -- -y
type overridesFile struct {
	Capabilities map[string]capabilityOverride `yaml:"capabilities"`
}

type capabilityOverride struct {
	AptPackage string   `yaml:"apt_package,omitempty"`
	Install    []string `yaml:"install,omitempty"`
}

// LoadOverrides extends the builder's capability map from a YAML file.
// Built-in capabilities cannot be redefined.
func (b *Builder) LoadOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read capability overrides: %w", err)
	}

	var file overridesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse capability overrides: %w", err)
	}

	names := make([]string, 0, len(file.Capabilities))
	for name := range file.Capabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		override := file.Capabilities[name]
		caps := Normalize([]string{name})
		canonical := caps[0]

		if _, ok := aptPackages[canonical]; ok {
			return fmt.Errorf("capability %s is built in and cannot be overridden", canonical)
		}
		if _, ok := installBlocks[canonical]; ok {
			return fmt.Errorf("capability %s is built in and cannot be overridden", canonical)
		}

		switch {
		case override.AptPackage != "" && len(override.Install) > 0:
			return fmt.Errorf("capability %s must define either apt_package or install, not both", canonical)
		case override.AptPackage != "":
			b.extraApt[canonical] = override.AptPackage
		case len(override.Install) > 0:
			b.extra[canonical] = override.Install
			b.extraOrder = append(b.extraOrder, canonical)
		default:
			return fmt.Errorf("capability %s defines no installation", canonical)
		}
	}
	return nil
}
