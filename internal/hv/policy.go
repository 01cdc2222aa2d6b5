package hv

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FaultAction selects how a nested-page-fault class is resolved.
type FaultAction string

const (
	// FaultActionMMIO surfaces the access to the host as an ExitMMIO.
	FaultActionMMIO FaultAction = "mmio"

	// FaultActionInject reflects the fault back into the guest as an
	// exception.
	FaultActionInject FaultAction = "inject"

	// FaultActionFatal aborts the vCPU's progress with an error.
	FaultActionFatal FaultAction = "fatal"
)

// Policy is the nested-page-fault resolution contract between host and
// guest. The hardware does not fix this policy; it is host configuration
// and deliberately not hard-coded in the engine.
type Policy struct {
	// OnUnmapped is applied when the faulting guest-physical page has
	// no translation installed. Allowed: mmio, fatal.
	OnUnmapped FaultAction `yaml:"on_unmapped"`

	// OnProtection is applied when a translation exists but its
	// permissions do not cover the access. Allowed: inject, fatal.
	OnProtection FaultAction `yaml:"on_protection"`

	// InjectVector is the exception vector used by the inject action.
	// Zero means #GP.
	InjectVector uint8 `yaml:"inject_vector"`
}

// DefaultPolicy treats unmapped guest-physical space as emulated device
// memory and protection mismatches as guest faults.
func DefaultPolicy() Policy {
	return Policy{
		OnUnmapped:   FaultActionMMIO,
		OnProtection: FaultActionInject,
		InjectVector: 13, // #GP
	}
}

func (p *Policy) normalize() {
	if p.OnUnmapped == "" {
		p.OnUnmapped = FaultActionMMIO
	}
	if p.OnProtection == "" {
		p.OnProtection = FaultActionInject
	}
	if p.InjectVector == 0 {
		p.InjectVector = 13
	}
}

// Validate checks the policy names only allowed actions.
func (p Policy) Validate() error {
	switch p.OnUnmapped {
	case FaultActionMMIO, FaultActionFatal, "":
	default:
		return fmt.Errorf("policy: on_unmapped %q: %w", p.OnUnmapped, ErrInvalidField)
	}
	switch p.OnProtection {
	case FaultActionInject, FaultActionFatal, "":
	default:
		return fmt.Errorf("policy: on_protection %q: %w", p.OnProtection, ErrInvalidField)
	}
	if p.InjectVector >= 32 {
		return fmt.Errorf("policy: inject_vector %d is not an exception vector: %w", p.InjectVector, ErrInvalidField)
	}
	return nil
}

// Normalized returns the policy with empty fields filled from
// DefaultPolicy.
func (p Policy) Normalized() Policy {
	p.normalize()
	return p
}

// LoadPolicy reads a Policy from a YAML file.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a Policy from YAML bytes.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
