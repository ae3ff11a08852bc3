// Package consul reads the health and addresses of deployed services.
package consul

import (
	"context"
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
)

type Client struct {
	api *consulapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy() error {
	_, err := c.api.Status().Leader()
	return err
}

// ServiceHealth represents the health status of a service instance.
type ServiceHealth struct {
	ServiceName string `json:"serviceName"`
	Node        string `json:"node"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Status      string `json:"status"` // passing, warning, critical
}

// ServiceHealthChecks returns health check results for a named service.
func (c *Client) ServiceHealthChecks(ctx context.Context, serviceName string) ([]ServiceHealth, error) {
	entries, _, err := c.api.Health().Service(serviceName, "", false, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}

	var results []ServiceHealth
	for _, entry := range entries {
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		results = append(results, ServiceHealth{
			ServiceName: entry.Service.Service,
			Node:        entry.Node.Node,
			Address:     addr,
			Port:        entry.Service.Port,
			Status:      aggregateChecks(entry.Checks),
		})
	}
	return results, nil
}

// PassingAddresses returns host:port for every passing instance.
func (c *Client) PassingAddresses(ctx context.Context, serviceName string) ([]string, error) {
	instances, err := c.ServiceHealthChecks(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, in := range instances {
		if in.Status != "passing" {
			continue
		}
		out = append(out, net.JoinHostPort(in.Address, strconv.Itoa(in.Port)))
	}
	return out, nil
}

func aggregateChecks(checks consulapi.HealthChecks) string {
	worst := "passing"
	for _, check := range checks {
		switch check.Status {
		case "critical":
			return "critical"
		case "warning":
			worst = "warning"
		}
	}
	return worst
}
