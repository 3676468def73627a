package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBlobSize bounds downloads and uploads.
const maxBlobSize = 10 << 20

// HTTPStore is the client of a Handler: GET and PUT on /<key>, with the API
// key sent as a bearer token on writes.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends one request and returns the response when its status is one of
// accept. The caller closes the body.
func (c *HTTPStore) do(req *http.Request, accept ...int) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	for _, code := range accept {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	resp.Body.Close()
	return nil, fmt.Errorf("%s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
}

// Healthcheck checks if the blob endpoint is reachable.
func (c *HTTPStore) Healthcheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Get downloads the blob stored under key.
func (c *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", key, maxBlobSize)
	}
	return data, nil
}

// Put uploads data, replacing any blob under key.
func (c *HTTPStore) Put(ctx context.Context, key string, data []byte) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if len(data) > maxBlobSize {
		return fmt.Errorf("blob %s exceeds %d bytes", key, maxBlobSize)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+key, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(req, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
