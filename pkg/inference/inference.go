// Package inference is the device-side client for the narrator proxy's
// HTTP endpoints: speech synthesis, scene analysis, structured detection
// and grounded place lookup. The request and response types are shared
// with the proxy.
//
// Example usage:
//
//	client, _ := inference.NewClient(
//	    inference.WithBaseURL("http://localhost:8080"),
//	    inference.WithAPIKey(os.Getenv("NARRATOR_PROXY_KEY")),
//	)
//
//	det, err := client.Describe(ctx, &inference.DescribeRequest{
//	    Image:    frame.Data,
//	    MimeType: frame.MimeType,
//	})
//	if inference.Classify(err) == inference.ClassQuota {
//	    // back off
//	}
package inference

import "context"

// Backend is the set of proxy operations the device uses.
type Backend interface {
	// Synthesize returns 24kHz mono PCM16 for text.
	Synthesize(ctx context.Context, req *TTSRequest) ([]byte, error)

	// AnalyzeScene returns a free-text narrative of the image.
	AnalyzeScene(ctx context.Context, req *AnalyzeRequest) (string, error)

	// Describe returns structured object/face detection for the image.
	Describe(ctx context.Context, req *DescribeRequest) (*Detection, error)

	// FindPlaces runs a location-grounded place lookup.
	FindPlaces(ctx context.Context, req *PlacesRequest) (*PlacesResponse, error)
}

// TTSRequest is the body of POST /api/tts.
type TTSRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// TTSResponse carries base64 PCM16 audio.
type TTSResponse struct {
	Audio      string `json:"audio"`
	MimeType   string `json:"mimeType"`
	SampleRate int    `json:"sampleRate"`
}

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	Image     string   `json:"image"` // base64
	MimeType  string   `json:"mimeType"`
	Prompt    string   `json:"prompt,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// AnalyzeResponse is a narrative description.
type AnalyzeResponse struct {
	Text string `json:"text"`
}

// DescribeRequest is the body of POST /api/describe.
type DescribeRequest struct {
	Image    string `json:"image"` // base64
	MimeType string `json:"mimeType"`
	Prompt   string `json:"prompt,omitempty"`
}

// Detection is the structured detection result. Boxes are untrusted model
// output; consumers clamp them.
type Detection struct {
	SceneDescription string           `json:"sceneDescription"`
	SpatialAnalysis  string           `json:"spatialAnalysis"`
	DetectedObjects  []DetectedObject `json:"detectedObjects"`
	DetectedFaces    []DetectedFace   `json:"detectedFaces"`
}

// DetectedObject is one labelled box.
type DetectedObject struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Box         Box    `json:"boundingBox"`
}

// DetectedFace is one face box.
type DetectedFace struct {
	Box Box `json:"boundingBox"`
}

// Box is (yMin, xMin, yMax, xMax) normalized to [0,1].
type Box struct {
	YMin float64 `json:"yMin"`
	XMin float64 `json:"xMin"`
	YMax float64 `json:"yMax"`
	XMax float64 `json:"xMax"`
}

// PlacesRequest is the body of POST /api/places.
type PlacesRequest struct {
	Query     string  `json:"query"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PlacesResponse is a grounded answer with citations.
type PlacesResponse struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

// Source is a grounding citation.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// ErrorBody is the JSON error envelope returned by the proxy.
type ErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}
