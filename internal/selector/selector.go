// Package selector picks the recognition backend for an image from its
// pixel height and encoded size.
package selector

import "github.com/ChuLiYu/ocr-gateway/pkg/types"

// Thresholds
const (
	// HeavyweightMinHeight is the height an image must exceed to use the accurate backend.
	HeavyweightMinHeight = 1500
	// HeavyweightMinBytes is the size an image must reach to use the accurate backend.
	HeavyweightMinBytes = 1_048_576
	// HostedMinHeight is the height an image must exceed to use the hosted backend.
	HostedMinHeight = 1000
)

// Select returns the backend name for an image. Large, tall pages go to the
// accurate local backend; tall pages go to the hosted provider; everything
// else uses the fast default.
func Select(heightPx int, sizeBytes int64) string {
	switch {
	case heightPx > HeavyweightMinHeight && sizeBytes >= HeavyweightMinBytes:
		return types.BackendAccurate
	case heightPx > HostedMinHeight:
		return types.BackendHosted
	default:
		return types.BackendFast
	}
}
