// Package mem provides the memory-related types and constants that are shared
// by the physical and virtual memory management subsystems.
package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// RoundUpToMultiple rounds the size up to the closest multiple of n.
func (s Size) RoundUpToMultiple(n Size) Size {
	return ((s + n - 1) / n) * n
}
