package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

// DefaultTopic is the gossip topic notices travel on.
const DefaultTopic = "goopcall.records.v1"

const connectTimeout = 3 * time.Second

// PubSubOptions configures the gossip bridge.
type PubSubOptions struct {
	// ListenHost defaults to 0.0.0.0.
	ListenHost string
	ListenPort int
	KeyFile    string
	Topic      string
	MdnsTag    string
	Bootstrap  []string
}

// PubSub gossips notices between peers on a libp2p topic. Locally originated
// notices are published; gossip from other peers lands in the local hub.
type PubSub struct {
	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	hub   *Hub
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// NewPubSub starts a libp2p host, joins the notice topic and connects to the
// configured bootstrap peers.
func NewPubSub(ctx context.Context, opt PubSubOptions, hub *Hub) (*PubSub, error) {
	priv, err := loadOrCreateKey(opt.KeyFile)
	if err != nil {
		return nil, err
	}

	listenHost := opt.ListenHost
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", listenHost, opt.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	if opt.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opt.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	name := opt.Topic
	if name == "" {
		name = DefaultTopic
	}
	topic, err := ps.Join(name)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	for _, addr := range opt.Bootstrap {
		if err := connectAddr(ctx, h, addr); err != nil {
			log.Warnf("bootstrap %s: %v", addr, err)
		}
	}

	log.Infof("gossiping record notices on %s as %s", name, h.ID())
	return &PubSub{host: h, topic: topic, sub: sub, hub: hub}, nil
}

// ID returns the libp2p peer id of the bridge.
func (p *PubSub) ID() string { return p.host.ID().String() }

// Addrs returns the dialable addresses of the bridge with its peer id, in
// the form Bootstrap expects.
func (p *PubSub) Addrs() []string {
	info := peer.AddrInfo{ID: p.host.ID(), Addrs: p.host.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(maddrs))
	for _, a := range maddrs {
		out = append(out, a.String())
	}
	return out
}

// Run pumps notices both ways until ctx is done.
func (p *PubSub) Run(ctx context.Context) {
	go p.inbound(ctx)

	notices, cancel := p.hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			if n.Origin != OriginLocal {
				continue
			}
			b, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if err := p.topic.Publish(ctx, b); err != nil && ctx.Err() == nil {
				log.Debugf("publish notice %s@%d: %v", n.ID, n.Revision, err)
			}
		}
	}
}

func (p *PubSub) inbound(ctx context.Context) {
	self := p.host.ID()
	for {
		m, err := p.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == self {
			continue
		}
		var n Notice
		if err := json.Unmarshal(m.Data, &n); err != nil || n.ID == "" {
			continue
		}
		n.Origin = OriginPubSub
		p.hub.Publish(n)
	}
}

// Close leaves the topic and shuts the host down.
func (p *PubSub) Close() error {
	p.sub.Cancel()
	_ = p.topic.Close()
	return p.host.Close()
}

func connectAddr(ctx context.Context, h host.Host, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return h.Connect(cctx, *info)
}

// loadOrCreateKey loads the persistent libp2p identity, generating an Ed25519
// key on first run. An empty path yields an ephemeral key.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if keyFile == "" {
		priv, _, err := crypto.GenerateEd25519Key(nil)
		return priv, err
	}
	if data, err := os.ReadFile(keyFile); err == nil {
		if priv, err := crypto.UnmarshalPrivateKey(data); err == nil {
			return priv, nil
		}
		log.Warnf("corrupt identity key at %s, generating a new one", keyFile)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}
