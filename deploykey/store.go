package deploykey

import (
	"context"
	"fmt"
	"log/slog"

	"keel/config"
)

// Store is a transactional keyed store for encoded deploy-key payloads.
// Put returns the handle later passed to Get and Delete. Each call is
// atomic and writes to one key never interleave.
type Store interface {
	Name() string
	Put(ctx context.Context, key, payload string) (string, error)
	Get(ctx context.Context, handle string) (string, error)
	Delete(ctx context.Context, handle string) error
}

// InlineStore keeps the payload in the plan's own parameters: the handle
// is the payload.
type InlineStore struct{}

func (InlineStore) Name() string { return "database" }

func (InlineStore) Put(_ context.Context, _, payload string) (string, error) {
	return payload, nil
}

func (InlineStore) Get(_ context.Context, handle string) (string, error) {
	return handle, nil
}

// Delete is a no-op; removing the parameter row removes the secret.
func (InlineStore) Delete(context.Context, string) error { return nil }

// NewStore builds the backend named by cfg.SecretStore.
func NewStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.SecretStore {
	case "database", "":
		return InlineStore{}, nil
	case "local_file":
		id, err := LoadIdentity(cfg.SecretIdentity)
		if err != nil {
			return nil, err
		}
		return OpenFileStore(cfg.SecretFile, id, logger)
	case "secrets_manager":
		return NewSecretsManagerStore(ctx, SecretsManagerConfig{
			Region:    cfg.AWSRegion,
			Endpoint:  cfg.AWSEndpoint,
			Namespace: cfg.SecretNamespace,
		})
	}
	return nil, fmt.Errorf("unknown secret store %q", cfg.SecretStore)
}
