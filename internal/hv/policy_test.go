package hv_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/vtx/internal/hv"
)

func TestDefaultPolicy(t *testing.T) {
	p := hv.DefaultPolicy()
	if p.OnUnmapped != hv.FaultActionMMIO {
		t.Errorf("OnUnmapped = %q, want mmio", p.OnUnmapped)
	}
	if p.OnProtection != hv.FaultActionInject {
		t.Errorf("OnProtection = %q, want inject", p.OnProtection)
	}
	if p.InjectVector != 13 {
		t.Errorf("InjectVector = %d, want 13", p.InjectVector)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPolicyNormalized(t *testing.T) {
	p := hv.Policy{}.Normalized()
	if p != hv.DefaultPolicy() {
		t.Errorf("Normalized() = %+v, want defaults", p)
	}

	p = hv.Policy{OnUnmapped: hv.FaultActionFatal}.Normalized()
	if p.OnUnmapped != hv.FaultActionFatal {
		t.Errorf("OnUnmapped = %q, want fatal", p.OnUnmapped)
	}
	if p.OnProtection != hv.FaultActionInject {
		t.Errorf("OnProtection = %q, want inject fill-in", p.OnProtection)
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name   string
		policy hv.Policy
		ok     bool
	}{
		{"zero", hv.Policy{}, true},
		{"fatal both", hv.Policy{OnUnmapped: hv.FaultActionFatal, OnProtection: hv.FaultActionFatal}, true},
		{"inject unmapped", hv.Policy{OnUnmapped: hv.FaultActionInject}, false},
		{"mmio protection", hv.Policy{OnProtection: hv.FaultActionMMIO}, false},
		{"unknown action", hv.Policy{OnUnmapped: "trap"}, false},
		{"interrupt vector", hv.Policy{InjectVector: 32}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("Validate() succeeded, want error")
				}
				if !errors.Is(err, hv.ErrInvalidField) {
					t.Errorf("Validate() error = %v, want ErrInvalidField", err)
				}
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := hv.ParsePolicy([]byte("on_unmapped: fatal\ninject_vector: 6\n"))
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	if p.OnUnmapped != hv.FaultActionFatal {
		t.Errorf("OnUnmapped = %q, want fatal", p.OnUnmapped)
	}
	if p.OnProtection != hv.FaultActionInject {
		t.Errorf("OnProtection = %q, want inject fill-in", p.OnProtection)
	}
	if p.InjectVector != 6 {
		t.Errorf("InjectVector = %d, want 6", p.InjectVector)
	}
}

func TestParsePolicyRejectsBadAction(t *testing.T) {
	if _, err := hv.ParsePolicy([]byte("on_protection: mmio\n")); !errors.Is(err, hv.ErrInvalidField) {
		t.Fatalf("ParsePolicy() error = %v, want ErrInvalidField", err)
	}
}

func TestParsePolicyRejectsBadYaml(t *testing.T) {
	if _, err := hv.ParsePolicy([]byte("on_unmapped: [")); err == nil {
		t.Fatal("ParsePolicy() succeeded, want error")
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("on_unmapped: mmio\non_protection: fatal\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	p, err := hv.LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.OnProtection != hv.FaultActionFatal {
		t.Errorf("OnProtection = %q, want fatal", p.OnProtection)
	}

	if _, err := hv.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadPolicy() of missing file succeeded")
	}
}

func TestPageAligned(t *testing.T) {
	if !hv.PageAligned(0x2000) {
		t.Error("PageAligned(0x2000) = false")
	}
	if hv.PageAligned(0x2001) {
		t.Error("PageAligned(0x2001) = true")
	}
}
