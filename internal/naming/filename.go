// Package naming builds deterministic output file names.
package naming

import (
	"fmt"
	"strings"
)

// sanitize replaces characters that are unsafe in file names on common
// filesystems with underscores. Panorama identifiers are remote-assigned and
// occasionally contain slashes.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// StitchedImageFilename creates the output name for one panorama.
// Format: {pointID}_{panoID}.{ext}
func StitchedImageFilename(pointID, panoID, ext string) string {
	return fmt.Sprintf("%s_%s.%s", sanitize(pointID), sanitize(panoID), ext)
}

// BatchResultFilename creates the per-batch summary name (1-based).
// Format: results_batch_{n}.csv
func BatchResultFilename(batchNum int) string {
	return fmt.Sprintf("results_batch_%d.csv", batchNum)
}
