package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RegistrationResult contains the credentials obtained at registration.
// The auth token is only ever returned here; persist it.
type RegistrationResult struct {
	InstanceID string `json:"instance_id"`
	AuthToken  string `json:"auth_token"`
}

// Register creates an instance record on the hub and returns its
// credentials. The hub may not be up yet when the worker boots, so
// unreachable-hub errors are retried with exponential backoff.
func Register(ctx context.Context, hubURL, userID, name, vmType string) (*RegistrationResult, error) {
	return register(ctx, http.DefaultClient, hubURL, userID, name, vmType, newDefaultBackoff())
}

func register(ctx context.Context, httpClient *http.Client, hubURL, userID, name, vmType string, bo backoff.BackOff) (*RegistrationResult, error) {
	body, err := json.Marshal(map[string]string{"name": name, "vm_type": vmType})
	if err != nil {
		return nil, fmt.Errorf("marshal registration request: %w", err)
	}

	for {
		result, retriable, err := registerOnce(ctx, httpClient, hubURL, userID, body)
		if err == nil {
			return result, nil
		}
		if !retriable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		interval := bo.NextBackOff()
		slog.Warn("hub unavailable, retrying registration...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func registerOnce(ctx context.Context, httpClient *http.Client, hubURL, userID string, body []byte) (*RegistrationResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL+"/api/instances", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		// 5xx means the hub is unhealthy; anything else is a caller error
		// that retrying will not fix.
		retriable := resp.StatusCode >= 500
		return nil, retriable, fmt.Errorf("register: hub returned %d: %s", resp.StatusCode, data)
	}

	var result RegistrationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, fmt.Errorf("decode registration response: %w", err)
	}
	if result.InstanceID == "" || result.AuthToken == "" {
		return nil, false, fmt.Errorf("registration response missing credentials")
	}

	slog.Info("instance registered", "instance_id", result.InstanceID)
	return &result, false, nil
}
