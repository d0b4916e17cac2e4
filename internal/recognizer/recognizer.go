// Package recognizer is a client for a CompreFace compatible face recognition service.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/config"
)

// Match is one candidate subject returned by Recognize.
type Match struct {
	SubjectID  string  `json:"subject"`
	Similarity float64 `json:"similarity"`
}

// Recognizer is the surface of the external recognition service used by the services.
// Every call is a blocking network round trip and must run inside an executor job.
type Recognizer interface {
	CreateSubject(ctx context.Context, name string) (string, error)
	AddFace(ctx context.Context, subjectID, imagePath string) (string, error)
	DeleteFace(ctx context.Context, faceRef string) error
	Recognize(ctx context.Context, imagePath string) ([]Match, error)
	ListFacesForSubject(ctx context.Context, subjectID string) (int, error)
	Compare(ctx context.Context, imagePathA, imagePathB string) (float64, error)
}

// Client talks to the CompreFace REST API.
type Client struct {
	baseURL          *url.URL
	apiKey           string
	verifyAPIKey     string
	detProbThreshold float64
	httpClient       *http.Client
}

// NewClient creates a recognizer client from configuration.
func NewClient(cfg *config.RecognizerConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("recognizer URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("recognizer API key is required")
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid recognizer URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid recognizer URL scheme %q", parsed.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:          parsed.JoinPath("api", "v1"),
		apiKey:           cfg.APIKey,
		verifyAPIKey:     cfg.GetVerifyAPIKey(),
		detProbThreshold: cfg.DetProbThreshold,
		httpClient:       &http.Client{Timeout: timeout},
	}, nil
}

// resolveURL builds a full URL from the base API URL, path segments and query values.
func (c *Client) resolveURL(query url.Values, pathSegments ...string) string {
	u := c.baseURL.JoinPath(pathSegments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

type subjectRequest struct {
	Subject string `json:"subject"`
}

type subjectResponse struct {
	Subject string `json:"subject"`
}

// CreateSubject creates a subject and returns its id. CompreFace identifies subjects by name.
// An already existing subject is not an error.
func (c *Client) CreateSubject(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", apperr.Validation("name", "subject name is required")
	}
	endpoint := c.resolveURL(nil, "recognition", "subjects")
	resp, err := doRequestJSON[subjectResponse](ctx, c, http.MethodPost, endpoint, c.apiKey, subjectRequest{Subject: name}, http.StatusOK, http.StatusCreated)
	if err != nil {
		var ext *apperr.ExternalServiceError
		if errors.As(err, &ext) && ext.StatusCode == http.StatusBadRequest && strings.Contains(ext.Err.Error(), "already exists") {
			return name, nil
		}
		return "", wrapOp("create subject", err)
	}
	if resp.Subject == "" {
		return name, nil
	}
	return resp.Subject, nil
}

type addFaceResponse struct {
	ImageID string `json:"image_id"`
	Subject string `json:"subject"`
}

// AddFace uploads a face crop as training data for the subject and returns the recognizer image id.
func (c *Client) AddFace(ctx context.Context, subjectID, imagePath string) (string, error) {
	if subjectID == "" {
		return "", apperr.Validation("subject_id", "subject id is required")
	}
	query := url.Values{"subject": {subjectID}}
	if c.detProbThreshold > 0 {
		query.Set("det_prob_threshold", strconv.FormatFloat(c.detProbThreshold, 'f', -1, 64))
	}
	endpoint := c.resolveURL(query, "recognition", "faces")
	resp, err := doMultipartJSON[addFaceResponse](ctx, c, endpoint, c.apiKey, map[string]string{"file": imagePath}, http.StatusOK, http.StatusCreated)
	if err != nil {
		return "", wrapOp("add face", err)
	}
	if resp.ImageID == "" {
		return "", apperr.External("add face", 0, errors.New("response without image_id"))
	}
	return resp.ImageID, nil
}

// DeleteFace removes a previously uploaded face by its image id.
// A face that no longer exists is treated as deleted.
func (c *Client) DeleteFace(ctx context.Context, faceRef string) error {
	if faceRef == "" {
		return apperr.Validation("face_ref", "face reference is required")
	}
	endpoint := c.resolveURL(nil, "recognition", "faces", faceRef)
	_, err := doRequestJSON[addFaceResponse](ctx, c, http.MethodDelete, endpoint, c.apiKey, nil, http.StatusOK)
	if err != nil && !IsNotFoundError(err) {
		return wrapOp("delete face", err)
	}
	return nil
}

type recognizeResponse struct {
	Result []struct {
		Subjects []Match `json:"subjects"`
	} `json:"result"`
}

// Recognize returns candidate subjects for the largest face in the image, best first.
func (c *Client) Recognize(ctx context.Context, imagePath string) ([]Match, error) {
	query := url.Values{"limit": {"5"}, "prediction_count": {"5"}}
	endpoint := c.resolveURL(query, "recognition", "recognize")
	resp, err := doMultipartJSON[recognizeResponse](ctx, c, endpoint, c.apiKey, map[string]string{"file": imagePath}, http.StatusOK)
	if err != nil {
		// CompreFace answers 400 when no face is found in the image.
		if isNoFaceError(err) {
			return nil, nil
		}
		return nil, wrapOp("recognize", err)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	return resp.Result[0].Subjects, nil
}

type listFacesResponse struct {
	TotalElements int `json:"total_elements"`
}

// ListFacesForSubject returns the number of faces the recognizer holds for the subject.
func (c *Client) ListFacesForSubject(ctx context.Context, subjectID string) (int, error) {
	query := url.Values{"subject": {subjectID}, "page": {"0"}, "size": {"1"}}
	endpoint := c.resolveURL(query, "recognition", "faces")
	resp, err := doRequestJSON[listFacesResponse](ctx, c, http.MethodGet, endpoint, c.apiKey, nil, http.StatusOK)
	if err != nil {
		if IsNotFoundError(err) {
			return 0, nil
		}
		return 0, wrapOp("list faces", err)
	}
	return resp.TotalElements, nil
}

type verifyResponse struct {
	Result []struct {
		FaceMatches []struct {
			Similarity float64 `json:"similarity"`
		} `json:"face_matches"`
	} `json:"result"`
}

// Compare returns the similarity of the faces in two images using the verification service.
func (c *Client) Compare(ctx context.Context, imagePathA, imagePathB string) (float64, error) {
	endpoint := c.resolveURL(nil, "verification", "verify")
	files := map[string]string{"source_image": imagePathA, "target_image": imagePathB}
	resp, err := doMultipartJSON[verifyResponse](ctx, c, endpoint, c.verifyAPIKey, files, http.StatusOK)
	if err != nil {
		if isNoFaceError(err) {
			return 0, nil
		}
		return 0, wrapOp("compare", err)
	}
	best := 0.0
	for _, r := range resp.Result {
		for _, m := range r.FaceMatches {
			best = max(best, m.Similarity)
		}
	}
	return min(max(best, 0), 1), nil
}

var _ Recognizer = (*Client)(nil)
