package model

import "fmt"

// ThumbSize names a generated thumbnail variant.
type ThumbSize string

const (
	ThumbSmall  ThumbSize = "small"
	ThumbMedium ThumbSize = "medium"
	ThumbLarge  ThumbSize = "large"
)

// ThumbSizes lists every thumbnail variant a generate_thumbnails message
// produces.
var ThumbSizes = []ThumbSize{ThumbSmall, ThumbMedium, ThumbLarge}

// Blob key convention: pets/{petType}s/{petId}/<artifact>.

// OriginalKey is the key of the uploaded source image.
func OriginalKey(pt PetType, petID string, format SourceFormat) string {
	ext := "jpg"
	if format == SourceFormatPNG {
		ext = "png"
	}
	return fmt.Sprintf("pets/%ss/%s/original.%s", pt, petID, ext)
}

// WebpKey is the key of the converted WebP artifact.
func WebpKey(pt PetType, petID string) string {
	return fmt.Sprintf("pets/%ss/%s/optimized.webp", pt, petID)
}

// OptimizedJpegKey is the key of the optimized JPEG artifact.
func OptimizedJpegKey(pt PetType, petID string) string {
	return fmt.Sprintf("pets/%ss/%s/optimized.jpg", pt, petID)
}

// ThumbKey is the key of one thumbnail artifact.
func ThumbKey(pt PetType, petID string, size ThumbSize) string {
	return fmt.Sprintf("pets/%ss/%s/thumb-%s.jpg", pt, petID, size)
}
