package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// StorageClient uploads media to the blob-storage collaborator and returns
// proxy references; raw bytes are never persisted locally.
type StorageClient struct {
	baseURL string
	http    *http.Client
}

func NewStorageClient(baseURL string) *StorageClient {
	return &StorageClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload stores a blob and returns its proxy reference.
func (c *StorageClient) Upload(ctx context.Context, data []byte, name, mimeType, folder string) (string, error) {
	endpoint := fmt.Sprintf("%s/blobs?name=%s&folder=%s",
		c.baseURL, url.QueryEscape(name), url.QueryEscape(folder))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage service returned %d for %s", resp.StatusCode, name)
	}

	var out struct {
		ProxyRef string `json:"proxy_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return out.ProxyRef, nil
}

// Download fetches a blob's bytes by proxy reference.
func (c *StorageClient) Download(ctx context.Context, key string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/blobs/%s", c.baseURL, url.PathEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage service returned %d for %s", resp.StatusCode, key)
	}
	return io.ReadAll(resp.Body)
}
