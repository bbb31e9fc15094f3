package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/teslashibe/go-narrator/pkg/inference"
)

// Prompts used when the device does not send one.
const (
	analyzePrompt = "Describe this scene for a blind person in a few short sentences. " +
		"Mention hazards and obstacles first, then notable objects, signs and people."
	describePrompt = "Detect the notable objects and faces in this image for a blind person. " +
		"Give tight bounding boxes normalized to 0..1. If there is an immediate danger, start " +
		"sceneDescription with \"CRITICAL EMERGENCY: <type>.\""
	placesPrompt = "The user is blind and asked: %q. Answer briefly with the closest matching places, " +
		"their distance and whether they are open now."
	locationHint = " The photo was taken at latitude %.5f, longitude %.5f."
)

// GenAI implements inference.Backend against the Gemini API.
type GenAI struct {
	client *genai.Client
	cfg    Config
	logger *slog.Logger
}

// NewGenAI creates the upstream client. httpClient and baseURL may be
// empty; tests point baseURL at a local server.
func NewGenAI(ctx context.Context, cfg Config, httpClient *http.Client, baseURL string) (*GenAI, error) {
	cc := &genai.ClientConfig{HTTPClient: httpClient}
	if cfg.UsesVertex() {
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	} else {
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	}
	if baseURL != "" {
		cc.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("cloud: genai client: %w", err)
	}
	return &GenAI{
		client: client,
		cfg:    cfg,
		logger: slog.Default().With("component", "cloud.genai"),
	}, nil
}

// Synthesize returns 24kHz PCM16 speech for req.Text.
func (g *GenAI) Synthesize(ctx context.Context, req *inference.TTSRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, inference.ErrEmptyInput
	}
	voice := req.Voice
	if voice == "" {
		voice = g.cfg.Voice
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.TTSModel, genai.Text(req.Text), &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	})
	if err != nil {
		return nil, upstreamError(inference.PathTTS, err)
	}

	for _, part := range firstParts(resp) {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, inference.WrapError(inference.PathTTS, fmt.Errorf("%w: no audio in response", inference.ErrMalformedResponse))
}

// AnalyzeScene returns a narrative description of the image.
func (g *GenAI) AnalyzeScene(ctx context.Context, req *inference.AnalyzeRequest) (string, error) {
	img, err := decodeImage(req.Image)
	if err != nil {
		return "", err
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = analyzePrompt
	}
	if req.Latitude != nil && req.Longitude != nil {
		prompt += fmt.Sprintf(locationHint, *req.Latitude, *req.Longitude)
	}

	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(img, mimeOrJPEG(req.MimeType)),
		genai.NewPartFromText(prompt),
	}, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.AnalysisModel, contents, nil)
	if err != nil {
		return "", upstreamError(inference.PathAnalyze, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", inference.WrapError(inference.PathAnalyze, fmt.Errorf("%w: empty text", inference.ErrMalformedResponse))
	}
	return text, nil
}

// Describe returns structured detection for the image.
func (g *GenAI) Describe(ctx context.Context, req *inference.DescribeRequest) (*inference.Detection, error) {
	img, err := decodeImage(req.Image)
	if err != nil {
		return nil, err
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = describePrompt
	}

	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(img, mimeOrJPEG(req.MimeType)),
		genai.NewPartFromText(prompt),
	}, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.AnalysisModel, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   detectionSchema(),
	})
	if err != nil {
		return nil, upstreamError(inference.PathDescribe, err)
	}
	return ParseDetection(resp.Text())
}

// FindPlaces answers a place query grounded on Google Maps near the fix.
func (g *GenAI) FindPlaces(ctx context.Context, req *inference.PlacesRequest) (*inference.PlacesResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, inference.ErrEmptyInput
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.AnalysisModel,
		genai.Text(fmt.Sprintf(placesPrompt, req.Query)),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{{GoogleMaps: &genai.GoogleMaps{}}},
			ToolConfig: &genai.ToolConfig{
				RetrievalConfig: &genai.RetrievalConfig{
					LatLng: &genai.LatLng{
						Latitude:  genai.Ptr(req.Latitude),
						Longitude: genai.Ptr(req.Longitude),
					},
				},
			},
		})
	if err != nil {
		return nil, upstreamError(inference.PathPlaces, err)
	}

	return &inference.PlacesResponse{
		Text:    strings.TrimSpace(resp.Text()),
		Sources: groundingSources(resp),
	}, nil
}

// ParseDetection decodes the model's JSON detection. Code fences are
// tolerated; anything else that fails to decode is malformed.
func ParseDetection(text string) (*inference.Detection, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, inference.WrapError(inference.PathDescribe, fmt.Errorf("%w: empty text", inference.ErrMalformedResponse))
	}

	var det inference.Detection
	if err := json.Unmarshal([]byte(text), &det); err != nil {
		return nil, inference.WrapError(inference.PathDescribe, fmt.Errorf("%w: %v", inference.ErrMalformedResponse, err))
	}
	return &det, nil
}

func detectionSchema() *genai.Schema {
	box := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"yMin": {Type: genai.TypeNumber},
			"xMin": {Type: genai.TypeNumber},
			"yMax": {Type: genai.TypeNumber},
			"xMax": {Type: genai.TypeNumber},
		},
		Required:         []string{"yMin", "xMin", "yMax", "xMax"},
		PropertyOrdering: []string{"yMin", "xMin", "yMax", "xMax"},
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"sceneDescription": {Type: genai.TypeString},
			"spatialAnalysis":  {Type: genai.TypeString},
			"detectedObjects": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":        {Type: genai.TypeString},
						"description": {Type: genai.TypeString},
						"boundingBox": box,
					},
					Required: []string{"name", "boundingBox"},
				},
			},
			"detectedFaces": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type:       genai.TypeObject,
					Properties: map[string]*genai.Schema{"boundingBox": box},
					Required:   []string{"boundingBox"},
				},
			},
		},
		Required:         []string{"sceneDescription", "spatialAnalysis", "detectedObjects", "detectedFaces"},
		PropertyOrdering: []string{"sceneDescription", "spatialAnalysis", "detectedObjects", "detectedFaces"},
	}
}

func firstParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

// groundingSources collects Maps and web citations, skipping duplicates.
func groundingSources(resp *genai.GenerateContentResponse) []inference.Source {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []inference.Source
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil {
			continue
		}
		var src inference.Source
		switch {
		case chunk.Maps != nil:
			src = inference.Source{URI: chunk.Maps.URI, Title: chunk.Maps.Title}
		case chunk.Web != nil:
			src = inference.Source{URI: chunk.Web.URI, Title: chunk.Web.Title}
		default:
			continue
		}
		if src.URI == "" || seen[src.URI] {
			continue
		}
		seen[src.URI] = true
		out = append(out, src)
	}
	return out
}

// upstreamError maps SDK and context errors onto the inference taxonomy so
// the HTTP layer can pick a status.
func upstreamError(path string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &inference.APIError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Code:       apiErr.Status,
			Provider:   path,
		}
	}
	if inference.IsTimeout(err) {
		return inference.WrapError(path, fmt.Errorf("%w: %v", inference.ErrTimeout, err))
	}
	return inference.WrapError(path, err)
}

func decodeImage(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, inference.ErrEmptyInput
	}
	if i := strings.Index(b64, ";base64,"); i >= 0 {
		b64 = b64[i+len(";base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not base64", errBadRequest)
	}
	return img, nil
}

func mimeOrJPEG(m string) string {
	if m == "" {
		return "image/jpeg"
	}
	return m
}

var _ inference.Backend = (*GenAI)(nil)
