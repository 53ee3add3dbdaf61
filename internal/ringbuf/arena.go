package ringbuf

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// mapArena allocates size bytes of anonymous, page-aligned memory outside
// the Go heap. With hugePages the mapping is first tried on hugetlbfs.
func mapArena(size int, hugePages bool) ([]byte, error) {
	const prot = unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	if hugePages {
		mem, err := unix.Mmap(-1, 0, size, prot, flags|unix.MAP_HUGETLB)
		if err == nil {
			return mem, nil
		}
		slog.Warn("huge page arena unavailable, using regular pages", "size", size, "error", err)
	}

	mem, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func unmapArena(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
