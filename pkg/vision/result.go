package vision

import (
	"strings"

	"github.com/teslashibe/go-narrator/pkg/inference"
)

// EmergencyMarker prefixes a scene description that reports danger.
const EmergencyMarker = "CRITICAL EMERGENCY:"

// BoundingBox is a normalized box, each coordinate in [0,1].
type BoundingBox struct {
	YMin float64 `json:"yMin"`
	XMin float64 `json:"xMin"`
	YMax float64 `json:"yMax"`
	XMax float64 `json:"xMax"`
}

// Area returns the box's share of the frame.
func (b BoundingBox) Area() float64 {
	return (b.YMax - b.YMin) * (b.XMax - b.XMin)
}

// Normalize clamps coordinates to [0,1] and swaps inverted pairs.
func (b BoundingBox) Normalize() BoundingBox {
	b.YMin, b.YMax = ordered(clamp01(b.YMin), clamp01(b.YMax))
	b.XMin, b.XMax = ordered(clamp01(b.XMin), clamp01(b.XMax))
	return b
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func ordered(a, b float64) (float64, float64) {
	if a > b {
		return b, a
	}
	return a, b
}

// DetectedObject is one labelled object.
type DetectedObject struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Box         BoundingBox `json:"boundingBox"`
}

// DetectedFace is one face.
type DetectedFace struct {
	Box BoundingBox `json:"boundingBox"`
}

// AnalysisResult is the latest structured detection.
type AnalysisResult struct {
	SceneDescription string           `json:"sceneDescription"`
	SpatialAnalysis  string           `json:"spatialAnalysis"`
	DetectedObjects  []DetectedObject `json:"detectedObjects"`
	DetectedFaces    []DetectedFace   `json:"detectedFaces"`
}

// NewAnalysisResult converts a backend detection, normalizing every box.
func NewAnalysisResult(d *inference.Detection) *AnalysisResult {
	r := &AnalysisResult{
		SceneDescription: d.SceneDescription,
		SpatialAnalysis:  d.SpatialAnalysis,
		DetectedObjects:  make([]DetectedObject, 0, len(d.DetectedObjects)),
		DetectedFaces:    make([]DetectedFace, 0, len(d.DetectedFaces)),
	}
	for _, o := range d.DetectedObjects {
		r.DetectedObjects = append(r.DetectedObjects, DetectedObject{
			Name:        o.Name,
			Description: o.Description,
			Box:         fromBox(o.Box).Normalize(),
		})
	}
	for _, f := range d.DetectedFaces {
		r.DetectedFaces = append(r.DetectedFaces, DetectedFace{Box: fromBox(f.Box).Normalize()})
	}
	return r
}

func fromBox(b inference.Box) BoundingBox {
	return BoundingBox{YMin: b.YMin, XMin: b.XMin, YMax: b.YMax, XMax: b.XMax}
}

// Coverage returns the area of the largest object box, or 0.
func (r *AnalysisResult) Coverage() float64 {
	if r == nil {
		return 0
	}
	var max float64
	for _, o := range r.DetectedObjects {
		if a := o.Box.Area(); a > max {
			max = a
		}
	}
	return max
}

// EmergencyType extracts the emergency type from a description that
// starts with EmergencyMarker: the text up to the first sentence break,
// trimmed and lowercased. A marker later in the text does not count.
func EmergencyType(description string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(description), EmergencyMarker)
	if !ok {
		return "", false
	}
	if end := strings.IndexAny(rest, ".!\n"); end >= 0 {
		rest = rest[:end]
	}
	kind := strings.ToLower(strings.TrimSpace(rest))
	if kind == "" {
		kind = "unknown"
	}
	return kind, true
}
