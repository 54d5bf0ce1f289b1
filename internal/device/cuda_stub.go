//go:build !(linux && cuda)

package device

func openCUDA(int) (Runtime, ComputeHandle, error) {
	return nil, 0, ErrNoCUDA
}
