package device

import (
	"errors"
	"fmt"
)

// ErrNoCUDA is returned when the cuda backend is requested from a build
// without the cuda tag.
var ErrNoCUDA = errors.New("cuda backend not compiled in (build with -tags cuda)")

// Open selects a backend by name. capacity sizes the host backend and is
// ignored by cuda, which reports the real device capacity.
func Open(name string, capacity int64, deviceIndex int) (Runtime, ComputeHandle, error) {
	switch name {
	case "", "host":
		return NewHost(capacity), 0, nil
	case "cuda":
		return openCUDA(deviceIndex)
	default:
		return nil, 0, fmt.Errorf("unknown device backend %q", name)
	}
}
