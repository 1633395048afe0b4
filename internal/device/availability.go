//go:build !cuda

package device

// Has reports whether the named device kind is usable in this build.
func Has(name string) bool {
	return name == CPU
}
