//go:build !(linux && amd64)

package vmx

import (
	"github.com/tinyrange/vtx/internal/hv"
)

// NativePorts is only available on linux/amd64.
func NativePorts() (PortSource, error) {
	return nil, hv.ErrUnsupportedHardware
}
