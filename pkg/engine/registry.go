package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

// RegisterInput is the request to register a provider.
type RegisterInput struct {
	Name    string `json:"name" validate:"required,max=255"`
	BaseURL string `json:"base_url" validate:"required,url,startswith=http"`
	APIKey  string `json:"api_key" validate:"required,max=4096"`
}

// ProviderPatch changes some fields of a provider. Nil fields are left alone.
type ProviderPatch struct {
	Name    *string `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	BaseURL *string `json:"base_url,omitempty" validate:"omitempty,url,startswith=http"`
	APIKey  *string `json:"api_key,omitempty" validate:"omitempty,min=1,max=4096"`
}

// Registry manages provider records and their credentials.
type Registry struct {
	db       stores.Store
	vault    *vault.Vault
	clients  ClientFactory
	tun      tunables
	validate *validator.Validate
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	clock    Clock

	// locks serializes writes for one provider across syncers.
	locks *keyedMutex
}

// NewRegistry creates a provider registry. settings may be nil, in which
// case built-in timeouts apply.
func NewRegistry(db stores.Store, v *vault.Vault, clients ClientFactory, settings Settings, opts ...Option) *Registry {
	o := buildOptions(opts)
	logger := o.tel.Logger.NewComponentLogger("registry")
	return &Registry{
		db:       db,
		vault:    v,
		clients:  clients,
		tun:      tunables{settings: settings, logger: logger},
		validate: validator.New(),
		tel:      o.tel,
		logger:   logger,
		clock:    o.clock,
		locks:    newKeyedMutex(),
	}
}

// RegisterProvider tests the connection and, only if it succeeds, stores the
// provider with its API key encrypted.
func (r *Registry) RegisterProvider(ctx context.Context, user User, in RegisterInput) (*stores.Provider, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.BaseURL = normalizeBaseURL(in.BaseURL)
	in.APIKey = strings.TrimSpace(in.APIKey)

	if err := r.validate.Struct(in); err != nil {
		return nil, NewValidationError("invalid provider input", err)
	}

	if _, err := r.TestConnection(ctx, in.BaseURL, in.APIKey); err != nil {
		return nil, err
	}

	sealed, err := r.seal(in.APIKey)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	p := &stores.Provider{
		ID:              uuid.New().String(),
		UserID:          user.ID,
		Name:            in.Name,
		BaseURL:         in.BaseURL,
		APIKeyEncrypted: sealed,
		IsConnected:     true,
		Status:          stores.ProviderStatusHealthy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.db.CreateProvider(ctx, p); err != nil {
		return nil, NewPersistenceError("failed to save provider", err)
	}

	r.logger.WithProvider(p.ID, p.Name).WithField("user", user.Actor()).Info("provider registered")
	_ = r.tel.Events.PublishProviderRegistered(p.ID, p.Name)
	return p, nil
}

// UpdateProvider applies patch. A changed base URL or key is tested with the
// new values before anything is written; the row and its status are then
// written in one transaction.
func (r *Registry) UpdateProvider(ctx context.Context, id string, patch ProviderPatch) (*stores.Provider, error) {
	if err := r.validate.Struct(patch); err != nil {
		return nil, NewValidationError("invalid provider patch", err)
	}

	current, err := r.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}

	baseURL := current.BaseURL
	if patch.BaseURL != nil {
		baseURL = normalizeBaseURL(*patch.BaseURL)
	}

	retest := baseURL != current.BaseURL || patch.APIKey != nil
	var sealed string
	if retest {
		apiKey := ""
		if patch.APIKey != nil {
			apiKey = strings.TrimSpace(*patch.APIKey)
		} else {
			apiKey, err = r.open(current)
			if err != nil {
				return nil, err
			}
		}

		if _, err := r.TestConnection(ctx, baseURL, apiKey); err != nil {
			return nil, err
		}

		if patch.APIKey != nil {
			if sealed, err = r.seal(apiKey); err != nil {
				return nil, err
			}
		}
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	var updated *stores.Provider
	err = r.db.WithTx(ctx, func(tx stores.Repository) error {
		p, err := tx.GetProvider(ctx, id)
		if err != nil {
			return err
		}

		if patch.Name != nil {
			p.Name = strings.TrimSpace(*patch.Name)
		}
		p.BaseURL = baseURL
		if sealed != "" {
			p.APIKeyEncrypted = sealed
		}
		if retest {
			p.IsConnected = true
			p.Status = stores.ProviderStatusHealthy
			p.LastError = nil
		}
		p.UpdatedAt = r.clock.Now()

		if err := tx.UpdateProvider(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("provider not found", err).WithProvider(id)
		}
		return nil, NewPersistenceError("failed to update provider", err).WithProvider(id)
	}

	r.logger.WithProvider(updated.ID, updated.Name).WithField("retested", retest).Info("provider updated")
	return updated, nil
}

// DeleteProvider removes a provider together with its workflows, executions and cursors.
func (r *Registry) DeleteProvider(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.db.DeleteProvider(ctx, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError("provider not found", err).WithProvider(id)
		}
		return NewPersistenceError("failed to delete provider", err).WithProvider(id)
	}

	r.logger.WithField("provider_id", id).Info("provider deleted")
	_ = r.tel.Events.PublishProviderDeleted(id)
	return nil
}

// TestConnection probes baseURL with apiKey, bounded by the probe timeout.
func (r *Registry) TestConnection(ctx context.Context, baseURL, apiKey string) (ConnectionResult, error) {
	timeout := r.tun.probeTimeout(ctx)
	ctx, cancel := context.WithTimeout(r.tel.WithContext(ctx), timeout)
	defer cancel()

	client := r.clients.NewClient(normalizeBaseURL(baseURL), apiKey, timeout)

	var result ConnectionResult
	err := telemetry.ObserveProviderCall(ctx, "", "probe", func(ctx context.Context) error {
		var err error
		result, err = client.Probe(ctx)
		return err
	})
	if err != nil {
		return ConnectionResult{}, classifyProbeError(ctx, err)
	}
	return result, nil
}

func classifyProbeError(ctx context.Context, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return NewConnectionError("connection timed out", err)
	}
	return NewConnectionError("connection failed", err)
}

// GetProvider returns one provider.
func (r *Registry) GetProvider(ctx context.Context, id string) (*stores.Provider, error) {
	p, err := r.db.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError("provider not found", err).WithProvider(id)
		}
		return nil, NewPersistenceError("failed to load provider", err).WithProvider(id)
	}
	return p, nil
}

// ListProviders lists providers owned by userID, or all providers when userID is empty.
func (r *Registry) ListProviders(ctx context.Context, userID string) ([]*stores.Provider, error) {
	providers, err := r.db.ListProviders(ctx, stores.ProviderFilter{UserID: userID})
	if err != nil {
		return nil, NewPersistenceError("failed to list providers", err)
	}
	return providers, nil
}

// ConnectedProviders lists the providers that take part in scheduled passes.
func (r *Registry) ConnectedProviders(ctx context.Context) ([]*stores.Provider, error) {
	providers, err := r.db.ListProviders(ctx, stores.ProviderFilter{ConnectedOnly: true})
	if err != nil {
		return nil, NewPersistenceError("failed to list connected providers", err)
	}
	return providers, nil
}

// Client decrypts the provider's key and returns an API client for it.
func (r *Registry) Client(ctx context.Context, p *stores.Provider) (ProviderClient, error) {
	apiKey, err := r.open(p)
	if err != nil {
		return nil, err
	}
	return r.clients.NewClient(p.BaseURL, apiKey, r.tun.requestTimeout(ctx)), nil
}

// RecordSyncOutcome stores the health of a provider after a sync.
func (r *Registry) RecordSyncOutcome(ctx context.Context, id string, syncErr error) error {
	status := stores.ProviderStatusHealthy
	var lastError *string
	if syncErr != nil {
		status = stores.ProviderStatusError
		msg := syncErr.Error()
		lastError = &msg
	}

	if err := r.db.UpdateProviderSyncState(ctx, id, status, lastError, r.clock.Now()); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			// Deleted while the pass was running.
			return nil
		}
		return fmt.Errorf("failed to record sync outcome: %w", err)
	}
	return nil
}

// lockProvider serializes writes for one provider.
func (r *Registry) lockProvider(id string) func() {
	return r.locks.Lock(id)
}

func (r *Registry) seal(apiKey string) (string, error) {
	if r.vault == nil {
		return "", NewDecryptionError("no master key configured", vault.ErrMissingMasterKey)
	}
	sealed, err := r.vault.Encrypt(apiKey)
	if err != nil {
		return "", NewDecryptionError("failed to encrypt API key", err)
	}
	return sealed, nil
}

func (r *Registry) open(p *stores.Provider) (string, error) {
	if r.vault == nil {
		return "", NewDecryptionError("no master key configured", vault.ErrMissingMasterKey).WithProvider(p.ID)
	}
	apiKey, err := r.vault.Decrypt(p.APIKeyEncrypted)
	if err != nil {
		return "", NewDecryptionError("stored API key could not be decrypted", err).WithProvider(p.ID)
	}
	return apiKey, nil
}

func normalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
