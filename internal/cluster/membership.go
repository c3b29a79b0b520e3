package cluster

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ingest/internal/ring"
)

// MemberStatus is the liveness state of a cluster member.
type MemberStatus int

const (
	Alive MemberStatus = iota
	Suspect
	Dead
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Member is one node as known by the local membership view.
type Member struct {
	ID          string       `msgpack:"id"`
	Addr        string       `msgpack:"addr"`
	Status      MemberStatus `msgpack:"status"`
	Incarnation uint64       `msgpack:"incarnation"`
	LastSeen    time.Time    `msgpack:"last_seen"`
}

// Prober reaches remote members on behalf of the membership loops.
type Prober interface {
	Probe(ctx context.Context, addr string) error
	// Gossip sends the local view and returns the remote view.
	Gossip(ctx context.Context, addr string, members []Member) ([]Member, error)
}

// Membership tracks which data nodes are alive. Probe failures mark a member
// Suspect; suspects that stay silent past the suspect timeout become Dead.
// Only Alive members hold shard copies.
type Membership struct {
	mu      sync.RWMutex
	localID string
	members map[string]*Member

	probeInterval  time.Duration
	suspectTimeout time.Duration
	onChange       func([]ring.Node)
	logger         logrus.FieldLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMembership creates a membership view containing only the local node.
func NewMembership(localID, localAddr string, probeInterval, suspectTimeout time.Duration, logger logrus.FieldLogger) *Membership {
	if probeInterval <= 0 {
		probeInterval = time.Second
	}
	if suspectTimeout <= 0 {
		suspectTimeout = 3 * time.Second
	}
	return &Membership{
		localID: localID,
		members: map[string]*Member{
			localID: {ID: localID, Addr: localAddr, Status: Alive, Incarnation: 1, LastSeen: time.Now()},
		},
		probeInterval:  probeInterval,
		suspectTimeout: suspectTimeout,
		logger:         logger.WithField("component", "membership"),
	}
}

// OnChange registers a callback receiving the alive nodes after every
// change. It runs on its own goroutine.
func (m *Membership) OnChange(fn func([]ring.Node)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start runs the probe, gossip and timeout loops until Stop.
func (m *Membership) Start(p Prober) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.loop(ctx, m.probeInterval, func() { m.probe(ctx, p) })
	m.loop(ctx, 2*m.probeInterval, func() { m.gossip(ctx, p) })
	m.loop(ctx, m.probeInterval/2, m.checkTimeouts)
}

// Stop stops the loops started by Start.
func (m *Membership) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Membership) loop(ctx context.Context, every time.Duration, fn func()) {
	if every < time.Millisecond {
		every = time.Millisecond
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// AddSeeds adds seed nodes, assumed alive until probed.
func (m *Membership) AddSeeds(seeds []ring.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seed := range seeds {
		if _, exists := m.members[seed.ID]; exists {
			continue
		}
		m.members[seed.ID] = &Member{ID: seed.ID, Addr: seed.Addr, Status: Alive, Incarnation: 1, LastSeen: time.Now()}
	}
	m.notifyLocked()
}

func (m *Membership) probe(ctx context.Context, p Prober) {
	target, ok := m.randomPeer(true)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeInterval)
	err := p.Probe(probeCtx, target.Addr)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[target.ID]
	if !exists {
		return
	}
	if err == nil {
		member.LastSeen = time.Now()
		return
	}
	if member.Status == Alive {
		member.Incarnation++
		member.Status = Suspect
		member.LastSeen = time.Now()
		m.logger.WithField("action", "membership_probe").WithField("member", target.ID).
			WithError(err).Warn("member marked suspect")
		m.notifyLocked()
	}
}

func (m *Membership) gossip(ctx context.Context, p Prober) {
	target, ok := m.randomPeer(false)
	if !ok {
		return
	}

	gossipCtx, cancel := context.WithTimeout(ctx, m.probeInterval)
	defer cancel()

	remote, err := p.Gossip(gossipCtx, target.Addr, m.Snapshot())
	if err != nil {
		m.logger.WithField("action", "membership_gossip").WithField("member", target.ID).
			WithError(err).Debug("gossip failed")
		return
	}
	m.Apply(remote)
}

// randomPeer picks a random non-local member; aliveOnly restricts the pick
// to Alive members.
func (m *Membership) randomPeer(aliveOnly bool) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]*Member, 0, len(m.members))
	for id, member := range m.members {
		if id == m.localID || (aliveOnly && member.Status != Alive) {
			continue
		}
		candidates = append(candidates, member)
	}
	if len(candidates) == 0 {
		return Member{}, false
	}
	return *candidates[rand.Intn(len(candidates))], true
}

func (m *Membership) checkTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for id, member := range m.members {
		if id == m.localID || member.Status != Suspect {
			continue
		}
		if time.Since(member.LastSeen) > m.suspectTimeout {
			member.Incarnation++
			member.Status = Dead
			m.logger.WithField("action", "membership_timeout").WithField("member", id).Warn("member marked dead")
			changed = true
		}
	}
	if changed {
		m.notifyLocked()
	}
}

// Apply merges a remote view: higher incarnation wins, and on equal
// incarnations Alive beats Suspect beats Dead.
func (m *Membership) Apply(remote []Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, r := range remote {
		if r.ID == m.localID {
			continue
		}
		local, exists := m.members[r.ID]
		switch {
		case !exists:
			m.members[r.ID] = &Member{ID: r.ID, Addr: r.Addr, Status: r.Status, Incarnation: r.Incarnation, LastSeen: time.Now()}
			m.logger.WithField("action", "membership_apply").WithField("member", r.ID).
				WithField("status", r.Status.String()).Info("discovered member")
			changed = true
		case r.Incarnation > local.Incarnation:
			local.Status = r.Status
			local.Incarnation = r.Incarnation
			local.LastSeen = time.Now()
			changed = true
		case r.Incarnation == local.Incarnation && r.Status < local.Status:
			local.Status = r.Status
			local.LastSeen = time.Now()
			changed = true
		}
	}
	if changed {
		m.notifyLocked()
	}
}

// MarkAlive refreshes a member that contacted the local node.
func (m *Membership) MarkAlive(id, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		m.members[id] = &Member{ID: id, Addr: addr, Status: Alive, Incarnation: 1, LastSeen: time.Now()}
		m.notifyLocked()
		return
	}
	member.LastSeen = time.Now()
	if member.Status != Alive {
		member.Status = Alive
		member.Incarnation++
		m.notifyLocked()
	}
}

// Snapshot returns a copy of every member, sorted by id.
func (m *Membership) Snapshot() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveNodes returns the Alive members as ring nodes.
func (m *Membership) AliveNodes() []ring.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aliveLocked()
}

func (m *Membership) aliveLocked() []ring.Node {
	nodes := make([]ring.Node, 0, len(m.members))
	for _, member := range m.members {
		if member.Status == Alive {
			nodes = append(nodes, ring.Node{ID: member.ID, Addr: member.Addr})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (m *Membership) notifyLocked() {
	if m.onChange != nil {
		go m.onChange(m.aliveLocked())
	}
}
