package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// IdentityHTTPClient implements service.IdentityProviderInterface against the
// platform identity service's REST API.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityHTTPClient creates a client for the identity service at baseURL.
func NewIdentityHTTPClient(baseURL string, timeout time.Duration) *IdentityHTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// UsersWithRole returns the IDs of users currently holding the given role.
func (c *IdentityHTTPClient) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/roles/%s/users", c.baseURL, url.PathEscape(role))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build identity request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "identity service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrCodeInternal, "identity service returned status %d", resp.StatusCode)
	}

	var body struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode identity response")
	}
	return body.UserIDs, nil
}
