package nvmx

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide, read-only configuration shared by every
// vCPU's NestedState. It is created once at hypervisor boot and passed by
// value into New; nothing in this module mutates it afterward.
type Config struct {
	// VMCSRevisionID is the value the surrounding VMCS allocator stamps
	// into every hardware and shadow VMCS's revision identifier field.
	VMCSRevisionID uint32 `yaml:"vmcs_revision_id"`
	// PageSize is the page size in bytes the surrounding allocator uses
	// for guest frames; must equal vmcs.PageSize.
	PageSize uint32 `yaml:"page_size"`
	// PageShift is log2(PageSize), used by callers converting between
	// GPAs and frame numbers.
	PageShift uint `yaml:"page_shift"`
}

// LoadConfig reads a Config from a YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("nvmx: load config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("nvmx: parse config %s: %w", path, err)
	}
	return cfg, nil
}
