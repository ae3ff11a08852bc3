package deployer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keel/consul"
	"keel/model"
	"keel/nomad"
)

// Backend runs and removes the workload of an assembly.
type Backend interface {
	Name() string
	// Deploy starts imageRef for the assembly and returns the addresses
	// it is reachable on.
	Deploy(ctx context.Context, a *model.Assembly, imageRef string) ([]string, error)
	Destroy(ctx context.Context, a *model.Assembly) error
}

type NoopBackend struct {
	Logger *slog.Logger
}

func (NoopBackend) Name() string { return "noop" }

func (b NoopBackend) Deploy(_ context.Context, a *model.Assembly, imageRef string) ([]string, error) {
	b.logger().Info("noop deploy", "assembly", a.UUID, "image", imageRef)
	return nil, nil
}

func (b NoopBackend) Destroy(_ context.Context, a *model.Assembly) error {
	b.logger().Info("noop destroy", "assembly", a.UUID)
	return nil
}

func (b NoopBackend) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}

type NomadConfig struct {
	Port          int
	Datacenters   []string
	HealthTimeout time.Duration
}

// NomadBackend submits one service job per assembly and reads the
// resulting addresses from Consul.
type NomadBackend struct {
	nomad  *nomad.Client
	consul *consul.Client
	cfg    NomadConfig
	logger *slog.Logger
}

func NewNomadBackend(n *nomad.Client, c *consul.Client, cfg NomadConfig, logger *slog.Logger) *NomadBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Minute
	}
	return &NomadBackend{nomad: n, consul: c, cfg: cfg, logger: logger.With("component", "deployer", "backend", "nomad")}
}

func (*NomadBackend) Name() string { return "nomad" }

func (b *NomadBackend) Deploy(ctx context.Context, a *model.Assembly, imageRef string) ([]string, error) {
	job := nomad.Translate(nomad.JobSpec{
		AssemblyUUID: a.UUID,
		Name:         a.Name,
		Image:        imageRef,
		Port:         b.cfg.Port,
		Datacenters:  b.cfg.Datacenters,
		Env: map[string]string{
			"KEEL_ASSEMBLY": a.UUID,
			"PROJECT_ID":    a.ProjectID,
		},
	})
	evalID, err := b.nomad.SubmitJob(ctx, job)
	if err != nil {
		return nil, err
	}
	b.logger.Info("job submitted", "assembly", a.UUID, "job", *job.ID, "eval", evalID)

	if err := b.nomad.WaitHealthy(ctx, *job.ID, b.cfg.HealthTimeout); err != nil {
		return nil, fmt.Errorf("wait healthy: %w", err)
	}
	if b.consul == nil || b.cfg.Port <= 0 {
		return nil, nil
	}
	return b.consul.PassingAddresses(ctx, nomad.ServiceName(a.UUID))
}

func (b *NomadBackend) Destroy(ctx context.Context, a *model.Assembly) error {
	if err := b.nomad.StopJob(ctx, nomad.JobID(a.UUID), true); err != nil {
		return fmt.Errorf("stop job: %w", err)
	}
	b.logger.Info("job stopped", "assembly", a.UUID)
	return nil
}
