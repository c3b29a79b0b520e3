// Package it runs clusters of in-process nodes for end-to-end tests.
package it

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ingest/internal/bulk"
	"ingest/internal/cluster"
	"ingest/internal/node"
	"ingest/internal/quorum"
	"ingest/internal/ring"
	"ingest/internal/transport"
)

// Cluster represents a test cluster of nodes
type Cluster struct {
	mu       sync.Mutex
	nodes    []*node.Node
	defaults cluster.IndexMeta
	policy   quorum.Policy
	clients  *transport.ClientManager
	logger   logrus.FieldLogger
}

// NewCluster creates a new test cluster harness. Automatically created
// indices get the shard and replica counts of defaults.
func NewCluster(defaults cluster.IndexMeta, policy quorum.Policy, logger logrus.FieldLogger) *Cluster {
	return &Cluster{
		defaults: defaults,
		policy:   policy,
		clients:  transport.NewClientManager(),
		logger:   logger,
	}
}

// StartNode starts a node seeded with the nodes already running.
func (c *Cluster) StartNode(ctx context.Context, nodeID string) (*node.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seeds := make([]ring.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		seeds = append(seeds, ring.Node{ID: n.ID(), Addr: n.Addr()})
	}
	n, err := node.New(node.Config{
		ID:               nodeID,
		ListenAddr:       "127.0.0.1:0",
		Seeds:            seeds,
		ProbeInterval:    50 * time.Millisecond,
		SuspectTimeout:   500 * time.Millisecond,
		RefreshTick:      50 * time.Millisecond,
		RecoveryInterval: 100 * time.Millisecond,
		IndexDefaults:    c.defaults,
		Policy:           c.policy,
		Registerer:       prometheus.NewRegistry(),
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s: %w", nodeID, err)
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Stop()
		return nil, fmt.Errorf("failed to start node %s: %w", nodeID, err)
	}
	if err := c.waitForReady(ctx, n.Addr(), 10*time.Second); err != nil {
		_ = n.Stop()
		return nil, fmt.Errorf("node %s failed to become ready: %w", nodeID, err)
	}
	c.nodes = append(c.nodes, n)
	return n, nil
}

// StartCluster starts size nodes named n1..n<size> and waits until every
// node sees all of them.
func (c *Cluster) StartCluster(ctx context.Context, size int) error {
	for i := 1; i <= size; i++ {
		if _, err := c.StartNode(ctx, fmt.Sprintf("n%d", i)); err != nil {
			c.Stop()
			return err
		}
	}
	return c.WaitForDataNodes(ctx, size)
}

func (c *Cluster) waitForReady(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.clients.WaitReady(ctx, addr)
}

// WaitForDataNodes waits until every running node sees want data nodes.
func (c *Cluster) WaitForDataNodes(ctx context.Context, want int) error {
	b := backoff.NewConstantBackOff(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return backoff.Retry(func() error {
		for _, n := range c.Nodes() {
			if got := n.State().DataNodes(); got != want {
				return fmt.Errorf("node %s sees %d data nodes, want %d", n.ID(), got, want)
			}
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Nodes returns the running nodes.
func (c *Cluster) Nodes() []*node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*node.Node(nil), c.nodes...)
}

// GetNode returns a node by ID
func (c *Cluster) GetNode(nodeID string) *node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.nodes {
		if n.ID() == nodeID {
			return n
		}
	}
	return nil
}

// KillNode stops a node and removes it from the cluster.
func (c *Cluster) KillNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.nodes {
		if n.ID() == nodeID {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			return n.Stop()
		}
	}
	return fmt.Errorf("node %s not found", nodeID)
}

// Remote returns a client of every running node.
func (c *Cluster) Remote() *transport.Remote {
	var addrs []string
	for _, n := range c.Nodes() {
		addrs = append(addrs, n.Addr())
	}
	return transport.NewRemote(c.clients, addrs...)
}

// BulkClient returns a bulk client writing through Remote.
func (c *Cluster) BulkClient(cfg bulk.Config, listener bulk.Listener) *bulk.Client {
	remote := c.Remote()
	return bulk.NewClient(remote, remote, cfg, listener, c.logger)
}

// Stop stops all nodes in the cluster
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := c.nodes
	c.nodes = nil
	c.mu.Unlock()

	for _, n := range nodes {
		if err := n.Stop(); err != nil {
			c.logger.WithField("action", "stop_cluster").WithField("node", n.ID()).WithError(err).Warn("stop failed")
		}
	}
	_ = c.clients.Close()
}
