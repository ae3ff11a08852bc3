package deploykey

import (
	"context"
	"fmt"
	"log/slog"

	"keel/model"
	"keel/plan"
)

// Provisioner creates deploy keys for a plan's private artifacts and
// resolves them again at build time.
type Provisioner struct {
	store    Store
	logger   *slog.Logger
	generate func() (*KeyPair, error)
}

func NewProvisioner(store Store, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provisioner{
		store:    store,
		logger:   logger.With("component", "deploykey", "store", store.Name()),
		generate: GenerateKeyPair,
	}
}

// Provision generates one key per private artifact, writes the public
// half into the artifact content and stores the private halves under one
// handle. It returns the system parameters to persist with the plan,
// empty when no artifact is private.
func (p *Provisioner) Provision(ctx context.Context, planUUID string, content *model.PlanContent) (map[string]string, error) {
	sys := map[string]string{}
	private := plan.PrivateArtifacts(content)
	if len(private) == 0 {
		return sys, nil
	}

	keys := make([]model.DeployKey, 0, len(private))
	for _, a := range private {
		kp, err := p.generate()
		if err != nil {
			return nil, fmt.Errorf("deploy key for %s: %w", a.Name, err)
		}
		a.Content.PublicKey = kp.PublicSSH
		keys = append(keys, model.DeployKey{SourceURL: a.Content.Href, PrivateKey: kp.PrivatePEM})
	}

	payload, err := EncodePayload(keys)
	if err != nil {
		return nil, err
	}
	handle, err := p.store.Put(ctx, planUUID, payload)
	if err != nil {
		return nil, fmt.Errorf("store deploy keys: %w", err)
	}
	sys[model.SysParamDeployKeys] = handle
	p.logger.Info("deploy keys provisioned", "plan", planUUID, "keys", len(keys))
	return sys, nil
}

// Delete reverses Provision. Plans without a handle are a no-op; store
// failures are returned.
func (p *Provisioner) Delete(ctx context.Context, sysParams map[string]string) error {
	handle := sysParams[model.SysParamDeployKeys]
	if handle == "" {
		return nil
	}
	if err := p.store.Delete(ctx, handle); err != nil {
		return fmt.Errorf("delete deploy keys: %w", err)
	}
	return nil
}

// Lookup returns the private key stored for sourceURL under handle, or
// "" when the handle is empty or holds no key for that source.
func (p *Provisioner) Lookup(ctx context.Context, handle, sourceURL string) (string, error) {
	if handle == "" {
		return "", nil
	}
	payload, err := p.store.Get(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("load deploy keys: %w", err)
	}
	keys, err := DecodePayload(payload)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if k.SourceURL == sourceURL {
			return k.PrivateKey, nil
		}
	}
	return "", nil
}
