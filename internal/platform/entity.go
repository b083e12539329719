// Package platform holds the clients for external collaborators: the entity
// hierarchy service and the blob-storage service. Only their interface
// boundary is owned here.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// EntityInfo is what the entity service knows about one organizational unit.
type EntityInfo struct {
	AncestorIDPath []string `json:"ancestor_id_path"`
	TenantID       string   `json:"tenant_id"`
}

// EntityClient resolves entity ids against the entity-hierarchy service. The
// well-known system entity is resolved locally to a single-element path.
type EntityClient struct {
	baseURL        string
	systemEntityID string
	http           *http.Client
}

func NewEntityClient(baseURL, systemEntityID string) *EntityClient {
	return &EntityClient{
		baseURL:        baseURL,
		systemEntityID: systemEntityID,
		http:           &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve returns the ancestor id path (root first) and tenant for an entity.
func (c *EntityClient) Resolve(ctx context.Context, entityID string) (EntityInfo, error) {
	if entityID == c.systemEntityID {
		return EntityInfo{AncestorIDPath: []string{entityID}, TenantID: entityID}, nil
	}

	endpoint := fmt.Sprintf("%s/entities/%s", c.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return EntityInfo{}, fmt.Errorf("failed to build entity request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return EntityInfo{}, fmt.Errorf("failed to resolve entity %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return EntityInfo{}, fmt.Errorf("entity service returned %d for %s", resp.StatusCode, entityID)
	}

	var info EntityInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return EntityInfo{}, fmt.Errorf("failed to decode entity response: %w", err)
	}
	return info, nil
}
