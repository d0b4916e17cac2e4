// Package facematch provides geometry and naming helpers for detected faces.
package facematch

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x_min, y_min, x_max, y_max] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if !ValidBBox(bbox1) || !ValidBBox(bbox2) {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := BBoxArea(bbox1) + BBoxArea(bbox2) - intersection
	if union <= 0 {
		return 0
	}

	// Clamp against floating point drift so scores stay in [0, 1].
	return min(intersection/union, 1)
}

// ValidBBox reports whether bbox has four coordinates with a positive area.
func ValidBBox(bbox []float64) bool {
	return len(bbox) == 4 && bbox[2] > bbox[0] && bbox[3] > bbox[1]
}

// BBoxArea returns the area of a [x_min, y_min, x_max, y_max] box, 0 for invalid boxes.
func BBoxArea(bbox []float64) float64 {
	if !ValidBBox(bbox) {
		return 0
	}
	return (bbox[2] - bbox[0]) * (bbox[3] - bbox[1])
}
