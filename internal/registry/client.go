// Package registry queries a crates.io-compatible registry API for the
// published state of crate versions.
//
// The pipeline uses it twice per package: before publishing, to skip
// versions that are already on the registry (which makes interrupted
// runs resumable), and after publishing, to wait until the new version
// is visible so that dependents later in the publish order can resolve
// it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// defaultRequestTimeout bounds a single API request. The registry API is
// a CDN-backed read path; anything slower is an outage, and the poll
// loop retries anyway.
const defaultRequestTimeout = 15 * time.Second

// Client is a minimal read-only client for a crates.io-compatible API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// NewClient creates a registry client for the given API base URL
// (e.g. "https://crates.io"). The userAgent is sent on every request —
// crates.io rejects anonymous clients without one.
func NewClient(baseURL, userAgent string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		userAgent:  userAgent,
	}
}

// versionResponse mirrors the subset of the version endpoint response
// needed to confirm a version exists. The endpoint returns substantially
// more; everything else is ignored.
type versionResponse struct {
	Version struct {
		Num    string `json:"num"`
		Yanked bool   `json:"yanked"`
	} `json:"version"`
}

// IsPublished reports whether name@version exists on the registry.
// A yanked version still counts as published: the version number is
// burned either way and a re-publish would fail.
//
// Returns a CLIError with ExitRegistryError for transport failures or
// unexpected status codes; a clean 404 is simply "not published".
func (c *Client) IsPublished(ctx context.Context, name, version string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/crates/%s/%s",
		c.baseURL, url.PathEscape(name), url.PathEscape(version))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, model.WrapCLIError(model.ExitRegistryError,
			fmt.Sprintf("failed to build registry request for %s@%s", name, version), err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, model.WrapCLIError(model.ExitRegistryError,
			fmt.Sprintf("registry request failed for %s@%s", name, version), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		// Decode to confirm the response actually describes the version
		// asked for, not an error body served with a 200.
		var vr versionResponse
		if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
			return false, model.WrapCLIError(model.ExitRegistryError,
				fmt.Sprintf("failed to decode registry response for %s@%s", name, version), err)
		}
		return vr.Version.Num == version, nil

	case http.StatusNotFound:
		return false, nil

	default:
		return false, model.NewCLIError(model.ExitRegistryError,
			fmt.Sprintf("registry returned %d for %s@%s", resp.StatusCode, name, version))
	}
}

// AwaitPublished polls until name@version is visible on the registry or
// the deadline passes.
//
// The registry index is eventually consistent: a successful publish can
// take tens of seconds to become resolvable. Without this wait, the next
// package in the publish order would fail to resolve its freshly
// published dependency.
func (c *Client) AwaitPublished(ctx context.Context, name, version string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		published, err := c.IsPublished(ctx, name, version)
		if err == nil && published {
			return nil
		}
		// Transport errors inside the poll window are retried: a blip
		// during index propagation is indistinguishable from propagation
		// itself not being done yet.

		select {
		case <-ctx.Done():
			return model.NewCLIError(model.ExitRegistryError,
				fmt.Sprintf("%s@%s did not become visible on the registry within %s", name, version, timeout))
		case <-ticker.C:
		}
	}
}
