package sandbox

import (
	"fmt"
	"math"
	"strings"

	"github.com/docker/go-units"
)

// ResourceLimits bounds one conversation's container. Limits are fixed at
// container creation; changing them requires removing the container, which
// destroys its workspace.
type ResourceLimits struct {
	// CPUs is the CPU allowance in whole or fractional cores.
	CPUs float64

	// Memory is a human-readable RAM limit such as "8g" or "512m".
	// Empty means unlimited.
	Memory string

	// Storage is a human-readable disk quota such as "10g". Applied
	// only on storage drivers that support per-container quotas; kept
	// for the settings surface either way.
	Storage string

	// NetworkDisabled detaches the container from all networks.
	NetworkDisabled bool
}

// Validate checks the limits without applying them.
func (l ResourceLimits) Validate() error {
	if l.CPUs < 0 {
		return fmt.Errorf("cpus must not be negative, got %g", l.CPUs)
	}
	if _, err := l.MemoryBytes(); err != nil {
		return err
	}
	if s := strings.TrimSpace(l.Storage); s != "" {
		if _, err := units.RAMInBytes(s); err != nil {
			return fmt.Errorf("invalid storage limit %q: %w", l.Storage, err)
		}
	}
	return nil
}

// MemoryBytes parses the Memory limit. Zero means unlimited.
func (l ResourceLimits) MemoryBytes() (int64, error) {
	m := strings.TrimSpace(l.Memory)
	if m == "" {
		return 0, nil
	}
	v, err := units.RAMInBytes(m)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", l.Memory, err)
	}
	return v, nil
}

// NanoCPUs converts the CPU allowance to the nanocpu unit container
// runtimes use. Zero means unlimited.
func (l ResourceLimits) NanoCPUs() int64 {
	if l.CPUs <= 0 {
		return 0
	}
	return int64(math.Round(l.CPUs * 1_000_000_000))
}
