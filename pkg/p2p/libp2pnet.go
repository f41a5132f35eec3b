// Package p2p gossips the DEX event stream to peer nodes over libp2p pubsub.
package p2p

import (
	"context"
	"sync"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/events"
	"github.com/uhyunpark/gardendex/pkg/metrics"
)

const DefaultTopic = "gardendex/events/1.0.0"

// outboxSize bounds events waiting to be gossiped.
const outboxSize = 1024

// RemoteHandler receives events published by other nodes.
type RemoteHandler func(origin string, ev events.Event)

// EventGossip publishes local events to a gossipsub topic and delivers remote
// ones to a handler. It implements events.Sink.
type EventGossip struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger

	outbox chan events.Event
	seq    atomic.Uint64

	muH     sync.RWMutex
	handler RemoteHandler
}

var _ events.Sink = (*EventGossip)(nil)

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Topic      string
	Logger     *zap.SugaredLogger
}

// NewEventGossip starts a libp2p host, joins the event topic and begins
// publishing and reading in the background until ctx ends.
func NewEventGossip(ctx context.Context, cfg Libp2pConfig) (*EventGossip, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	g := &EventGossip{h: h, ps: ps, log: cfg.Logger, outbox: make(chan events.Event, outboxSize)}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if g.topic, err = ps.Join(cfg.Topic); err != nil {
		_ = h.Close()
		return nil, err
	}
	if g.sub, err = g.topic.Subscribe(); err != nil {
		_ = h.Close()
		return nil, err
	}

	go g.publishLoop(ctx)
	go g.readLoop(ctx)

	cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "topic", cfg.Topic)
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *EventGossip) Host() host.Host { return g.h }

// Addrs returns full p2p multiaddrs other nodes can bootstrap from.
func (g *EventGossip) Addrs() []string {
	var out []string
	for _, a := range g.h.Addrs() {
		out = append(out, a.String()+"/p2p/"+g.h.ID().String())
	}
	return out
}

// Connect dials a peer given its full p2p multiaddr.
func (g *EventGossip) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, g.h, addr)
}

func (g *EventGossip) OnRemote(fn RemoteHandler) {
	g.muH.Lock()
	g.handler = fn
	g.muH.Unlock()
}

// Publish queues ev for gossip. It never blocks; a full outbox drops the event.
func (g *EventGossip) Publish(ev events.Event) {
	select {
	case g.outbox <- ev:
	default:
		metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
		g.log.Debugw("gossip_outbox_full", "type", ev.Type)
	}
}

func (g *EventGossip) publishLoop(ctx context.Context) {
	self := g.h.ID().String()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-g.outbox:
			data, err := encodeEvent(self, g.seq.Add(1), ev)
			if err != nil {
				g.log.Warnw("gossip_encode_failed", "type", ev.Type, "err", err)
				continue
			}
			if err := g.topic.Publish(ctx, data); err != nil && ctx.Err() == nil {
				g.log.Warnw("gossip_publish_failed", "type", ev.Type, "err", err)
			}
		}
	}
}

// inbound

func (g *EventGossip) readLoop(ctx context.Context) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		w, ev, err := decodeEvent(msg.Data)
		if err != nil {
			g.log.Debugw("gossip_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}

		g.muH.RLock()
		h := g.handler
		g.muH.RUnlock()
		if h != nil {
			h(w.Origin, ev)
		}
	}
}

func (g *EventGossip) Close() error {
	g.sub.Cancel()
	_ = g.topic.Close()
	return g.h.Close()
}
