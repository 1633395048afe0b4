package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/winnow/internal/logger"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
)

var (
	// ErrUnavailable reports that the requested accelerator is not present
	// in this build or on this host. Callers recover by falling back to CPU.
	ErrUnavailable = errors.New("device unavailable")

	// ErrOutOfMemory reports device memory exhaustion. Fatal for the run.
	ErrOutOfMemory = errors.New("device out of memory")
)

// Normalize validates and canonicalizes a device name. Accepted forms are
// "cpu", "cuda" and "cuda:N". An empty name means CPU.
func Normalize(name string) (string, error) {
	dev := strings.ToLower(strings.TrimSpace(name))
	if dev == "" {
		return CPU, nil
	}
	if dev == CPU || dev == CUDA {
		return dev, nil
	}
	if rest, ok := strings.CutPrefix(dev, CUDA+":"); ok {
		for _, r := range rest {
			if r < '0' || r > '9' {
				return "", fmt.Errorf("invalid device %q (expected cpu, cuda, or cuda:N)", name)
			}
		}
		if rest == "" {
			return "", fmt.Errorf("invalid device %q (expected cpu, cuda, or cuda:N)", name)
		}
		return dev, nil
	}
	return "", fmt.Errorf("unknown device %q (expected cpu, cuda, or cuda:N)", name)
}

// IsAccelerator reports whether the device name refers to a CUDA device.
func IsAccelerator(dev string) bool {
	return dev == CUDA || strings.HasPrefix(dev, CUDA+":")
}

// Select resolves the preferred device once at initialization. If the
// preferred accelerator is unavailable it falls back to CPU and logs the
// downgrade; it never fails for that reason alone.
func Select(preferred string, log logger.Logger) (string, error) {
	dev, err := Normalize(preferred)
	if err != nil {
		return "", err
	}
	if IsAccelerator(dev) && !Has(CUDA) {
		log.Warn("requested accelerator unavailable, falling back", "requested", dev, "using", CPU)
		return CPU, nil
	}
	return dev, nil
}

// Available returns a comma-separated list of usable device kinds.
func Available() string {
	entries := []string{CPU}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}
