//go:build !(linux || darwin || freebsd)

package blocks

// NewDefaultSource returns the Source used when none is configured. Platforms without anonymous
// mappings fall back to the Go heap.
func NewDefaultSource(alignment int, capacity int) (Source, error) {
	return NewHeapSource(alignment, capacity)
}
