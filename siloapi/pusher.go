package siloapi

import (
	"context"
	"sync"
	"time"

	"github.com/eyeKill/graindir/common"
	"github.com/eyeKill/graindir/loadstats"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const DEFAULT_PUSH_TIMEOUT = time.Second

// PeerSource lists the silos that should receive statistics.
type PeerSource interface {
	Active() []common.SiloAddress
}

// PeerPusher broadcasts the local snapshot by pushing it to every active peer over gRPC.
type PeerPusher struct {
	peers   PeerSource
	local   common.SiloAddress
	timeout time.Duration
	opts    []grpc.DialOption

	mu      sync.Mutex
	clients map[common.SiloAddress]*Client
	log     *zap.Logger
}

var _ loadstats.Broadcaster = (*PeerPusher)(nil)

func NewPeerPusher(local common.SiloAddress, peers PeerSource, opts ...grpc.DialOption) *PeerPusher {
	return &PeerPusher{
		peers:   peers,
		local:   local,
		timeout: DEFAULT_PUSH_TIMEOUT,
		opts:    opts,
		clients: make(map[common.SiloAddress]*Client),
		log:     common.Log().Named("pusher"),
	}
}

func (p *PeerPusher) client(silo common.SiloAddress) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[silo]; ok {
		return c, nil
	}
	c, err := Dial(silo.Endpoint(), p.opts...)
	if err != nil {
		return nil, err
	}
	p.clients[silo] = c
	return c, nil
}

func (p *PeerPusher) drop(silo common.SiloAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[silo]; ok {
		_ = c.Close()
		delete(p.clients, silo)
	}
}

// PushAll sends the snapshot to every active peer and returns the combined failures.
func (p *PeerPusher) PushAll(ctx context.Context, silo common.SiloAddress, s loadstats.LoadSnapshot) error {
	var mu sync.Mutex
	var errs error
	var g errgroup.Group
	for _, peer := range p.peers.Active() {
		if peer == p.local {
			continue
		}
		peer := peer
		g.Go(func() error {
			err := p.push(ctx, peer, silo, s)
			if err != nil {
				p.drop(peer)
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (p *PeerPusher) push(ctx context.Context, peer, silo common.SiloAddress, s loadstats.LoadSnapshot) error {
	c, err := p.client(peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return c.PushStatistics(ctx, silo, s)
}

func (p *PeerPusher) Broadcast(silo common.SiloAddress, s loadstats.LoadSnapshot) {
	go func() {
		if err := p.PushAll(context.Background(), silo, s); err != nil {
			p.log.Warn("Failed to push statistics to some peers.", zap.Error(err))
		}
	}()
}

// Prune closes connections to silos that are no longer active.
func (p *PeerPusher) Prune() {
	active := make(map[common.SiloAddress]struct{})
	for _, s := range p.peers.Active() {
		active[s] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for silo, c := range p.clients {
		if _, ok := active[silo]; !ok {
			_ = c.Close()
			delete(p.clients, silo)
		}
	}
}

func (p *PeerPusher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for silo, c := range p.clients {
		_ = c.Close()
		delete(p.clients, silo)
	}
}
