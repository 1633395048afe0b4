//go:build cuda

package device

// Has reports whether the named device kind is usable in this build.
func Has(name string) bool {
	switch name {
	case CUDA:
		return true
	default:
		return name == CPU
	}
}
