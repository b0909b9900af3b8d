package pipeline

import (
	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
)

// CurrentSettings reports the effective runtime knobs as the settings
// surface presents them.
func (p *Pipeline) CurrentSettings() api.Settings {
	cfg := p.config()
	return api.Settings{
		CPUs:               cfg.Limits.CPUs,
		Memory:             cfg.Limits.Memory,
		Storage:            cfg.Limits.Storage,
		TimeoutSeconds:     cfg.timeoutSeconds(),
		AutoFixMaxAttempts: cfg.maxAttempts(),
	}
}

// ApplySettings installs new runtime knobs. Runs already in flight keep
// the limits their container was created with; the new limits apply
// from the next container creation on. The network flag is not part of
// the settings surface and is left alone.
func (p *Pipeline) ApplySettings(s api.Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Limits.CPUs = s.CPUs
	p.cfg.Limits.Memory = s.Memory
	p.cfg.Limits.Storage = s.Storage
	p.cfg.TimeoutSeconds = api.Int(s.TimeoutSeconds)
	p.cfg.MaxFixAttempts = api.Int(s.AutoFixMaxAttempts)
}

// CurrentLimits returns the resource limits new containers receive.
func (p *Pipeline) CurrentLimits() sandbox.ResourceLimits {
	return p.config().Limits
}
