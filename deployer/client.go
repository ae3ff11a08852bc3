package deployer

import (
	"context"

	"keel/messaging"
)

const (
	MethodDeploy  = "deploy"
	MethodDestroy = "destroy"
	MethodEcho    = "echo"
)

type DeployArgs struct {
	AssemblyID string `json:"assemblyId"`
	ImageID    string `json:"imageId"`
}

type DestroyArgs struct {
	AssemblyID string `json:"assemblyId"`
}

type EchoArgs struct {
	Message string `json:"message"`
}

// Client casts to the deployer role.
type Client struct {
	caster *messaging.Caster
}

func NewClient(c *messaging.Caster) *Client {
	return &Client{caster: c}
}

func (c *Client) Deploy(ctx context.Context, assemblyID, imageID string) error {
	return c.caster.Cast(ctx, messaging.TopicDeployer, MethodDeploy, DeployArgs{AssemblyID: assemblyID, ImageID: imageID})
}

func (c *Client) Destroy(ctx context.Context, assemblyID string) error {
	return c.caster.Cast(ctx, messaging.TopicDeployer, MethodDestroy, DestroyArgs{AssemblyID: assemblyID})
}

func (c *Client) Echo(ctx context.Context, msg string) error {
	return c.caster.Cast(ctx, messaging.TopicDeployer, MethodEcho, EchoArgs{Message: msg})
}

// Register binds the deployer methods on srv.
func Register(srv *messaging.Server, s *Service) error {
	if err := messaging.Handle(srv, MethodDeploy, func(ctx context.Context, a DeployArgs) error {
		return s.Deploy(ctx, a.AssemblyID, a.ImageID)
	}); err != nil {
		return err
	}
	if err := messaging.Handle(srv, MethodDestroy, func(ctx context.Context, a DestroyArgs) error {
		return s.Destroy(ctx, a.AssemblyID)
	}); err != nil {
		return err
	}
	return messaging.Handle(srv, MethodEcho, func(_ context.Context, a EchoArgs) error {
		s.logger.Info("echo", "message", a.Message)
		return nil
	})
}

