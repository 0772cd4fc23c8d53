package transfer

import (
	"sort"

	"vidflow/internal/upload"
)

// Merge combines local progress with the store's part inventory. A part is
// held if either side has it; the remote ETag wins when both do. Parts outside
// 1..totalParts are ignored. missing is ascending.
func Merge(totalParts int, local map[int]string, remote []upload.PartResponse) (have map[int]string, missing []int) {
	have = make(map[int]string, totalParts)
	for n, etag := range local {
		if n >= 1 && n <= totalParts && etag != "" {
			have[n] = etag
		}
	}
	for _, p := range remote {
		if p.PartNumber >= 1 && p.PartNumber <= totalParts && p.ETag != "" {
			have[p.PartNumber] = p.ETag
		}
	}

	for n := 1; n <= totalParts; n++ {
		if _, ok := have[n]; !ok {
			missing = append(missing, n)
		}
	}
	return have, missing
}

// orderedParts lists parts by ascending part number for completion.
func orderedParts(parts map[int]string) []upload.CompletedPart {
	out := make([]upload.CompletedPart, 0, len(parts))
	for n, etag := range parts {
		out = append(out, upload.CompletedPart{PartNumber: n, ETag: etag})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}
