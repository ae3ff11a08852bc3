package conductor

import (
	"context"
	"log/slog"

	"keel/messaging"
)

const (
	MethodUpdateImage    = "update_image"
	MethodUpdateAssembly = "update_assembly"
	MethodEcho           = "echo"
)

// Client casts status updates to the conductor role.
type Client struct {
	caster *messaging.Caster
}

func NewClient(c *messaging.Caster) *Client {
	return &Client{caster: c}
}

func (c *Client) UpdateImage(ctx context.Context, u ImageUpdate) error {
	if u.ImageID == "" {
		return nil
	}
	return c.caster.Cast(ctx, messaging.TopicConductor, MethodUpdateImage, u)
}

func (c *Client) UpdateAssembly(ctx context.Context, u AssemblyUpdate) error {
	if u.AssemblyID == "" {
		return nil
	}
	return c.caster.Cast(ctx, messaging.TopicConductor, MethodUpdateAssembly, u)
}

func (c *Client) Echo(ctx context.Context, msg string) error {
	return c.caster.Cast(ctx, messaging.TopicConductor, MethodEcho, EchoArgs{Message: msg})
}

type EchoArgs struct {
	Message string `json:"message"`
}

// Register binds the conductor methods on srv.
func Register(srv *messaging.Server, p *Propagator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := messaging.Handle(srv, MethodUpdateImage, p.UpdateImage); err != nil {
		return err
	}
	if err := messaging.Handle(srv, MethodUpdateAssembly, p.UpdateAssembly); err != nil {
		return err
	}
	return messaging.Handle(srv, MethodEcho, func(_ context.Context, a EchoArgs) error {
		logger.Info("echo", "component", "conductor", "message", a.Message)
		return nil
	})
}
