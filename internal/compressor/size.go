package compressor

import (
	"math"
	"strconv"
)

const jpegDataURIPrefix = "data:image/jpeg;base64,"

// estimatePreambleLength is what EstimateEncodedSize subtracts from a data
// URI length. It is one shorter than jpegDataURIPrefix; the estimate has
// always been computed this way and the displayed sizes depend on it.
const estimatePreambleLength = 22

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// EstimateEncodedSize approximates the decoded byte length of a base64 data
// URI of the given length as round((n - 22) * 3 / 4). Base64 padding and the
// preamble offset make it differ from the exact size by a few bytes.
func EstimateEncodedSize(dataURILength int) int64 {
	n := float64(dataURILength-estimatePreambleLength) * 3 / 4
	if n <= 0 {
		return 0
	}
	return int64(math.Floor(n + 0.5))
}

// FormatFileSize renders a byte count in base-1024 units with at most two
// decimals and no trailing zeros: 0 -> "0 Bytes", 1536 -> "1.5 KB".
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}

	const k = 1024
	i := 0
	div := int64(1)
	for i < len(sizeUnits)-1 && bytes >= div*k {
		div *= k
		i++
	}

	v := math.Round(float64(bytes)/float64(div)*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + sizeUnits[i]
}
