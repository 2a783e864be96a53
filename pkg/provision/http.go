package provision

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chatlink/connector/pkg/errors"
	"github.com/chatlink/connector/pkg/logger"
)

const (
	httpTimeout = 30 * time.Second

	// Build polling is bounded: a fixed number of attempts at a fixed
	// interval, then a terminal provision failure.
	buildPollAttempts = 15
	buildPollInterval = 2 * time.Second

	// listPageSize is the page size used when enumerating owned artifacts.
	listPageSize = 20
)

// HTTPClient is the platform function-management API client.
type HTTPClient struct {
	baseURL      string
	token        string
	client       *http.Client
	pollInterval time.Duration
}

// NewHTTPClient creates a client for the platform API at baseURL,
// authenticating with the given bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		token:        token,
		client:       &http.Client{Timeout: httpTimeout},
		pollInterval: buildPollInterval,
	}
}

type buildStatus struct {
	Status   string `json:"status"`
	BuildID  string `json:"buildId"`
	Location string `json:"location"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Provision implements Client.
func (c *HTTPClient) Provision(ctx context.Context, target Target, spec *Spec) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal function specification", err)
	}

	resp, body, err := c.do(ctx, http.MethodPut, c.functionURL(target), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", errors.NewProvisionFailedError(
			fmt.Sprintf("function creation returned status %d", resp.StatusCode), nil)
	}

	var status buildStatus
	if len(body) > 0 {
		if err := json.Unmarshal(body, &status); err != nil {
			return "", errors.NewProvisionFailedError("failed to decode function creation response", err)
		}
	}

	// 201 means a build was started; wait for it. Any failure from here on
	// is compensated by deleting the half-created function.
	if resp.StatusCode == http.StatusCreated {
		status, err = c.awaitBuild(ctx, target, status.BuildID)
		if err != nil {
			c.compensateDelete(ctx, target)
			return "", err
		}
	}

	location := status.Location
	if location == "" {
		location, err = c.location(ctx, target)
		if err != nil {
			c.compensateDelete(ctx, target)
			return "", err
		}
	}
	return location, nil
}

// awaitBuild polls the build endpoint until the build reaches a terminal
// state or the attempt budget is exhausted.
func (c *HTTPClient) awaitBuild(ctx context.Context, target Target, buildID string) (buildStatus, error) {
	operation := func() (buildStatus, error) {
		resp, body, err := c.do(ctx, http.MethodGet, c.functionURL(target)+"/build/"+url.PathEscape(buildID), nil)
		if err != nil {
			return buildStatus{}, backoff.Permanent(err)
		}
		if resp.StatusCode != http.StatusOK {
			// Build still in progress.
			return buildStatus{}, fmt.Errorf("build %s not finished, status %d", buildID, resp.StatusCode)
		}

		var status buildStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return buildStatus{}, backoff.Permanent(
				errors.NewProvisionFailedError("failed to decode build status", err))
		}
		if status.Status != "success" {
			message := "unknown error"
			if status.Error != nil {
				message = status.Error.Message
			}
			return buildStatus{}, backoff.Permanent(
				errors.NewProvisionFailedError("function build failed: "+message, nil))
		}
		return status, nil
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.pollInterval)),
		backoff.WithMaxTries(buildPollAttempts),
	)
	if err != nil {
		var typed *errors.Error
		if stderrors.As(err, &typed) {
			return buildStatus{}, err
		}
		return buildStatus{}, errors.NewProvisionFailedError("timeout waiting for function build", err)
	}
	return status, nil
}

// location resolves the artifact's invocation URL.
func (c *HTTPClient) location(ctx context.Context, target Target) (string, error) {
	resp, body, err := c.do(ctx, http.MethodGet, c.functionURL(target)+"/location", nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", errors.NewProvisionFailedError(
			fmt.Sprintf("location lookup returned status %d", resp.StatusCode), nil)
	}

	var parsed struct {
		Location string `json:"location"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Location == "" {
		return "", errors.NewProvisionFailedError("function location missing from response", err)
	}
	return parsed.Location, nil
}

// Deprovision implements Client.
func (c *HTTPClient) Deprovision(ctx context.Context, target Target) error {
	resp, _, err := c.do(ctx, http.MethodDelete, c.functionURL(target), nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return errors.NewProvisionFailedError(
			fmt.Sprintf("function deletion returned status %d", resp.StatusCode), nil)
	}
	return nil
}

// ListByOwner implements Client.
func (c *HTTPClient) ListByOwner(ctx context.Context, accountID, subscriptionID, owner string) ([]Target, error) {
	listURL := fmt.Sprintf("%s/v1/account/%s/subscription/%s/function?search=%s&count=%d",
		c.baseURL, accountID, subscriptionID,
		url.QueryEscape("tag.ownerId="+owner), listPageSize)

	resp, body, err := c.do(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, errors.NewInternalError(
			fmt.Sprintf("function listing returned status %d", resp.StatusCode), nil)
	}

	var listing struct {
		Items []Target `json:"items"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, errors.NewInternalError("failed to decode function listing", err)
	}
	for i := range listing.Items {
		if listing.Items[i].AccountID == "" {
			listing.Items[i].AccountID = accountID
		}
		if listing.Items[i].SubscriptionID == "" {
			listing.Items[i].SubscriptionID = subscriptionID
		}
	}
	return listing.Items, nil
}

// compensateDelete removes a half-created function, logging but not
// escalating its own failure.
func (c *HTTPClient) compensateDelete(ctx context.Context, target Target) {
	if err := c.Deprovision(ctx, target); err != nil {
		logger.Warnf("failed to delete half-created function %s/%s: %v",
			target.BoundaryID, target.FunctionID, err)
	}
}

func (c *HTTPClient) functionURL(target Target) string {
	return fmt.Sprintf("%s/v1/account/%s/subscription/%s/boundary/%s/function/%s",
		c.baseURL, target.AccountID, target.SubscriptionID, target.BoundaryID, target.FunctionID)
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to build platform request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, errors.NewInternalError("platform request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to read platform response", err)
	}
	return resp, payload, nil
}
