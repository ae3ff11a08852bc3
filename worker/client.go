package worker

import (
	"context"

	"keel/messaging"
)

const (
	MethodBuild    = "build"
	MethodUnittest = "unittest"
	MethodEcho     = "echo"
)

type EchoArgs struct {
	Message string `json:"message"`
}

// Client casts jobs to the worker role.
type Client struct {
	caster *messaging.Caster
}

func NewClient(c *messaging.Caster) *Client {
	return &Client{caster: c}
}

func (c *Client) Build(ctx context.Context, job BuildJob) error {
	return c.caster.Cast(ctx, messaging.TopicWorker, MethodBuild, job)
}

func (c *Client) Unittest(ctx context.Context, job BuildJob) error {
	return c.caster.Cast(ctx, messaging.TopicWorker, MethodUnittest, job)
}

func (c *Client) Echo(ctx context.Context, msg string) error {
	return c.caster.Cast(ctx, messaging.TopicWorker, MethodEcho, EchoArgs{Message: msg})
}

// Register binds the worker methods on srv.
func Register(srv *messaging.Server, h *Handler) error {
	if err := messaging.Handle(srv, MethodBuild, h.Build); err != nil {
		return err
	}
	if err := messaging.Handle(srv, MethodUnittest, h.Unittest); err != nil {
		return err
	}
	return messaging.Handle(srv, MethodEcho, func(ctx context.Context, a EchoArgs) error {
		h.Echo(ctx, a.Message)
		return nil
	})
}

