package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/harborlink/harborlink/internal/platform/errors"
)

// introspectionResult mirrors the auth service introspection JSON response.
type introspectionResult struct {
	Active   bool   `json:"active"`
	UserID   string `json:"user_id"`
	CallSign string `json:"call_sign"`
	Rank     string `json:"rank"`
}

// IntrospectionResolver validates credentials against a remote HTTP
// introspect endpoint.
type IntrospectionResolver struct {
	url            string
	resourceSecret string
	client         *http.Client
}

// NewIntrospectionResolver creates a resolver that POSTs to the given URL.
func NewIntrospectionResolver(url, resourceSecret string, client *http.Client) *IntrospectionResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &IntrospectionResolver{
		url:            url,
		resourceSecret: resourceSecret,
		client:         client,
	}
}

// Resolve validates the credential by calling the introspect endpoint.
func (r *IntrospectionResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "credential is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build introspect request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	if r.resourceSecret != "" {
		req.Header.Set("X-Resource-Secret", r.resourceSecret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("introspect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("introspect returned %s", resp.Status)
	}

	var result introspectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Identity{}, fmt.Errorf("decode introspect response: %w", err)
	}
	if !result.Active || strings.TrimSpace(result.UserID) == "" {
		return Identity{}, apperrors.New(apperrors.CodeAuthInvalidCredential, "credential is not active")
	}
	return Identity{
		UserID:   result.UserID,
		CallSign: strings.TrimSpace(result.CallSign),
		Rank:     strings.TrimSpace(result.Rank),
	}, nil
}

var _ Resolver = (*IntrospectionResolver)(nil)
