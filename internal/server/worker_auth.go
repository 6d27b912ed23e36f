package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/me/ledispatch/pkg/model"
)

const ctxKeyWorkerAuth ctxKey = "worker_auth"

// WorkerAuthContext holds authenticated worker info for a request.
type WorkerAuthContext struct {
	KeyID       string   // Hash of the key (for logging, not the raw key)
	APIVersions []string // API versions this key may claim work for
}

// WorkerAuthFromContext extracts the WorkerAuthContext from request context.
func WorkerAuthFromContext(ctx context.Context) *WorkerAuthContext {
	if wc, ok := ctx.Value(ctxKeyWorkerAuth).(*WorkerAuthContext); ok {
		return wc
	}
	return nil
}

// WorkerKeyConfig maps worker keys to the API versions they serve.
type WorkerKeyConfig struct {
	Keys map[string]WorkerKeyEntry `json:"keys"`
}

// WorkerKeyEntry defines the API versions and metadata for a worker key.
type WorkerKeyEntry struct {
	APIVersions []string `json:"api_versions"`
	Description string   `json:"description,omitempty"`
}

// LoadWorkerKeyConfig loads worker keys from a JSON file and then from
// LEDISPATCH_WORKER_KEYS ({"key": ["v1", "v2"]}). Entries from the
// environment win.
func LoadWorkerKeyConfig(configFile string) (*WorkerKeyConfig, error) {
	cfg := &WorkerKeyConfig{
		Keys: make(map[string]WorkerKeyEntry),
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read worker keys: %w", err)
		}
		var fileCfg WorkerKeyConfig
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse worker keys %s: %w", configFile, err)
		}
		for k, v := range fileCfg.Keys {
			cfg.Keys[k] = v
		}
	}

	if envVal := os.Getenv("LEDISPATCH_WORKER_KEYS"); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err != nil {
			return nil, fmt.Errorf("parse LEDISPATCH_WORKER_KEYS: %w", err)
		}
		for key, versions := range envKeys {
			cfg.Keys[key] = WorkerKeyEntry{APIVersions: versions}
		}
	}

	return cfg, nil
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *WorkerKeyConfig) ValidateKey(key string) *WorkerKeyEntry {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any worker keys are configured.
func (c *WorkerKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// workerAuthMiddleware validates the X-Worker-Key header.
// If no keys are configured, authentication is disabled (open access).
func workerAuthMiddleware(keyConfig *WorkerKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keyConfig.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyWorkerAuth, &WorkerAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get("X-Worker-Key")
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "worker authentication required (X-Worker-Key header missing)",
				})
				return
			}

			entry := keyConfig.ValidateKey(key)
			if entry == nil {
				logger.Warn("invalid worker key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid worker key",
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyWorkerAuth, &WorkerAuthContext{
				KeyID:       hashKey(key),
				APIVersions: entry.APIVersions,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AllowsVersion reports whether the key may claim work for apiVersion.
// An empty version list allows every version.
func (c *WorkerAuthContext) AllowsVersion(apiVersion string) bool {
	if c == nil {
		return false
	}
	if len(c.APIVersions) == 0 {
		return true
	}
	return slices.Contains(c.APIVersions, apiVersion)
}

// requireVersion writes 403 and returns false when the caller's key does not
// cover apiVersion.
func requireVersion(w http.ResponseWriter, r *http.Request, apiVersion string) bool {
	if WorkerAuthFromContext(r.Context()).AllowsVersion(apiVersion) {
		return true
	}
	respondError(w, RequestIDFromContext(r.Context()), http.StatusForbidden, &model.APIError{
		Code:    model.ErrForbidden,
		Message: "worker key does not allow api version: " + apiVersion,
	})
	return false
}
