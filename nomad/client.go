// Package nomad runs deployed images as Nomad service jobs.
package nomad

import (
	"context"
	"fmt"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"
)

type Client struct {
	api *nomadapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = addr

	client, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Nomad.
func (c *Client) Healthy() error {
	_, err := c.api.Agent().NodeName()
	return err
}

// SubmitJob registers a job with Nomad.
func (c *Client) SubmitJob(ctx context.Context, job *nomadapi.Job) (string, error) {
	resp, _, err := c.api.Jobs().Register(job, (&nomadapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	return resp.EvalID, nil
}

// StopJob deregisters a job. Purged jobs disappear from the job list.
func (c *Client) StopJob(ctx context.Context, jobID string, purge bool) error {
	_, _, err := c.api.Jobs().Deregister(jobID, purge, (&nomadapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (c *Client) JobAllocations(ctx context.Context, jobID string) ([]*nomadapi.AllocationListStub, error) {
	allocs, _, err := c.api.Jobs().Allocations(jobID, false, (&nomadapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return allocs, nil
}

// WaitHealthy waits until all live allocations for a job report healthy.
func (c *Client) WaitHealthy(ctx context.Context, jobID string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timeout waiting for %s to become healthy", jobID)
		case <-ticker.C:
			allocs, err := c.JobAllocations(ctx, jobID)
			if err != nil || len(allocs) == 0 {
				continue
			}
			if allHealthy(allocs) {
				return nil
			}
		}
	}
}

func allHealthy(allocs []*nomadapi.AllocationListStub) bool {
	healthy, pending := 0, 0
	for _, alloc := range allocs {
		// terminal allocations from previous deploys
		if alloc.ClientStatus == "complete" || alloc.ClientStatus == "failed" || alloc.ClientStatus == "lost" {
			continue
		}
		if alloc.ClientStatus != "running" {
			pending++
			continue
		}
		if alloc.DeploymentStatus == nil || alloc.DeploymentStatus.Healthy == nil || !*alloc.DeploymentStatus.Healthy {
			pending++
			continue
		}
		healthy++
	}
	return healthy > 0 && pending == 0
}
