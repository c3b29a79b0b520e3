package node

import (
	"context"
	"time"
)

// refreshLoop refreshes each index's local copies once its refresh
// interval has passed. Indices with a negative interval are skipped.
func (n *Node) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RefreshTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.refreshDue(now)
		}
	}
}

func (n *Node) refreshDue(now time.Time) {
	n.refreshMu.Lock()
	defer n.refreshMu.Unlock()

	for _, meta := range n.state.Indices() {
		if meta.RefreshInterval < 0 {
			continue
		}
		if last, ok := n.lastRefresh[meta.Name]; ok && now.Sub(last) < meta.RefreshInterval {
			continue
		}
		n.lastRefresh[meta.Name] = now
		if err := n.refreshLocal(meta.Name); err != nil {
			n.logger.WithField("action", "periodic_refresh").WithField("index", meta.Name).
				WithError(err).Warn("refresh failed")
		}
	}
}

// recoveryLoop returns failed shard copies to the write path.
func (n *Node) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.coordinator.RecoverCopies(ctx); err != nil {
				n.logger.WithField("action", "recover_copies").WithError(err).Warn("shard copy recovery failed")
			}
		}
	}
}
