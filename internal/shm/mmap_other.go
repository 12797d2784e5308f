//go:build !(darwin || linux)

package shm

func MapFile(path string, size int) (Region, error) {
	return nil, ErrMmapUnsupported
}
