//go:build !unix

package ingest

import "os"

// inodeOf has no portable equivalent outside unix; rotation detection
// falls back to the size-shrink check alone on these platforms.
func inodeOf(info os.FileInfo) uint64 {
	return 0
}
