package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/kozaktomas/photo-faces/internal/apperr"
)

// doRequestJSON performs an HTTP request with an optional JSON body and unmarshals the JSON response.
// It accepts one or more valid status codes. If the response status doesn't match any, an error is returned.
func doRequestJSON[T any](ctx context.Context, c *Client, method, url, apiKey string, requestBody any, expectedStatuses ...int) (*T, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send[T](c, req, apiKey, expectedStatuses)
}

// doMultipartJSON uploads files (form field -> path) and unmarshals the JSON response.
func doMultipartJSON[T any](ctx context.Context, c *Client, url, apiKey string, files map[string]string, expectedStatuses ...int) (*T, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	fields := make([]string, 0, len(files))
	for field := range files {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if err := addFileToMultipart(writer, field, files[field]); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("could not close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return send[T](c, req, apiKey, expectedStatuses)
}

// addFileToMultipart opens a file and writes it to the multipart writer.
func addFileToMultipart(writer *multipart.Writer, field, filePath string) error {
	file, err := os.Open(filePath) //nolint:gosec // face crop paths come from the face store
	if err != nil {
		return apperr.Validation("image_path", "could not open %s: %v", filePath, err)
	}
	defer file.Close()

	part, err := writer.CreateFormFile(field, filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("could not create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("could not copy file data: %w", err)
	}
	return nil
}

func send[T any](c *Client, req *http.Request, apiKey string, expectedStatuses []int) (*T, error) {
	req.Header.Set("x-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.External(req.Method+" "+req.URL.Path, 0, fmt.Errorf("could not send request: %w", err))
	}
	defer resp.Body.Close()

	if !isExpectedStatus(resp.StatusCode, expectedStatuses) {
		return nil, apperr.External(req.Method+" "+req.URL.Path, resp.StatusCode, errors.New(readErrorBody(resp.Body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.External(req.Method+" "+req.URL.Path, resp.StatusCode, fmt.Errorf("could not read response body: %w", err))
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperr.External(req.Method+" "+req.URL.Path, resp.StatusCode, fmt.Errorf("could not unmarshal response: %w", err))
	}
	return &result, nil
}

// readErrorBody reads the response body for error messages.
// Returns a placeholder if reading fails (we're already in an error path).
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "(could not read error body)"
	}
	return strings.TrimSpace(string(body))
}

// isExpectedStatus checks if a status code is in the list of expected statuses.
func isExpectedStatus(code int, expected []int) bool {
	return slices.Contains(expected, code)
}

// wrapOp renames the operation of an ExternalServiceError to the client level name.
func wrapOp(op string, err error) error {
	var ext *apperr.ExternalServiceError
	if errors.As(err, &ext) {
		return apperr.External(op, ext.StatusCode, ext.Err)
	}
	return err
}

// IsNotFoundError returns true if the error indicates a 404 Not Found response.
func IsNotFoundError(err error) bool {
	var ext *apperr.ExternalServiceError
	return errors.As(err, &ext) && ext.StatusCode == http.StatusNotFound
}

// isNoFaceError matches CompreFace's "No face is found in the given image" response.
func isNoFaceError(err error) bool {
	var ext *apperr.ExternalServiceError
	return errors.As(err, &ext) && ext.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(ext.Err.Error()), "no face")
}
