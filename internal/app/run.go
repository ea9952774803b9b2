package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/goopcall/internal/api"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/push"
	"github.com/petervdpas/goopcall/internal/realtime"
	"github.com/petervdpas/goopcall/internal/record"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// AutoAccept answers every incoming call.
	AutoAccept bool
	Progress   func(step, total int, label string)
}

// Peer is one running participant: its store, push bridges, signaling
// channels and call manager.
type Peer struct {
	Cfg      config.Config
	Hub      *push.Hub
	Store    storage.Store
	Channels *realtime.Manager
	Calls    *call.Manager
	API      *api.Server

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Start opens the store, the push bridges and the call manager. Background
// loops stop when ctx is done; Close releases everything else.
func Start(ctx context.Context, opt Options) (p *Peer, err error) {
	cfg := opt.Cfg
	setLogLevel(cfg.Log.Level)

	emit := opt.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	step, total := 0, 4
	progress := func(label string) {
		step++
		emit(step, total, label)
		log.Debugf("[%d/%d] %s", step, total, label)
	}

	p = &Peer{Cfg: cfg, Hub: push.NewHub()}
	p.closers = append(p.closers, closerFunc(func() error { p.Hub.Close(); return nil }))
	defer func() {
		if err != nil {
			err = multierr.Append(err, p.Close())
			p = nil
		}
	}()

	// ── Store
	progress("Opening call store")
	store, err := openStore(ctx, opt.PeerDir, cfg, p.Hub)
	if err != nil {
		return p, err
	}
	p.Store = store
	p.closers = append(p.closers, store)

	// ── Push bridges
	progress("Starting push bridges")
	if u := cfg.Push.WSURL; u != "" {
		go push.NewWSClient(u, p.Hub).Run(ctx)
		log.Infof("following record notices from %s", u)
	}
	if cfg.Push.PubSubEnabled {
		ps, err := push.NewPubSub(ctx, push.PubSubOptions{
			ListenPort: cfg.Push.PubSubPort,
			KeyFile:    util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile),
			Topic:      cfg.Push.Topic,
			MdnsTag:    cfg.Push.MdnsTag,
			Bootstrap:  cfg.Push.Bootstrap,
		}, p.Hub)
		if err != nil {
			return p, fmt.Errorf("start pubsub: %w", err)
		}
		go ps.Run(ctx)
		p.closers = append(p.closers, ps)
	}

	// ── Calls
	progress("Starting call manager")
	p.Channels = realtime.New(store, p.Hub, cfg.Identity.ID, realtime.Options{PollInterval: cfg.PollInterval()})
	p.closers = append(p.closers, closerFunc(func() error { p.Channels.Close(); return nil }))

	src, err := mediaSource(cfg.Media)
	if err != nil {
		return p, err
	}
	p.Calls, err = call.New(call.Options{
		SelfID:    cfg.Identity.ID,
		Store:     store,
		Channels:  p.Channels,
		Transport: call.NewPionFactory(cfg.Pion(), src),
		Media:     src,
		Timing:    cfg.Timing(),
	})
	if err != nil {
		return p, err
	}
	p.closers = append(p.closers, closerFunc(func() error { p.Calls.Close(); return nil }))

	if opt.AutoAccept {
		p.Calls.OnIncoming(func(ic *call.IncomingCall) {
			go func() {
				if _, err := ic.Accept(ctx); err != nil {
					log.Warnf("[%s] auto-accept: %v", ic.ID, err)
				}
			}()
		})
	}

	// ── HTTP
	progress("Starting http api")
	var ws *push.WSServer
	if cfg.Push.WSServe {
		ws = push.NewWSServer(p.Hub)
		p.closers = append(p.closers, closerFunc(func() error { ws.Close(); return nil }))
	}
	apiOpt := api.Options{Debug: cfg.Viewer.Debug}
	if ws != nil {
		apiOpt.Push = ws
	}
	p.API = api.New(p.Calls, apiOpt)

	log.Infof("peer %s ready (store=%s)", cfg.Identity.ID, cfg.Store.Driver)
	return p, nil
}

// Close stops the peer in reverse start order. Calls are hung up first.
func (p *Peer) Close() error {
	var err error
	for i := len(p.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, p.closers[i].Close())
	}
	p.closers = nil
	return err
}

// Run starts a peer, serves its http api and follows config changes until
// ctx is done.
func Run(ctx context.Context, opt Options) error {
	logBanner(opt.PeerDir, opt.CfgPath)

	p, err := Start(ctx, opt)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}()

	if opt.CfgPath != "" {
		go func() {
			err := config.Watch(ctx, opt.CfgPath, opt.Cfg, func(c config.Config) {
				p.Calls.SetTiming(c.Timing())
				setLogLevel(c.Log.Level)
			})
			if err != nil {
				log.Warnf("config watch: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	if addr := opt.Cfg.Viewer.HTTPAddr; addr != "" {
		listen, url := LocalAPIAddr(addr)
		go func() { errCh <- p.API.ListenAndServe(ctx, listen) }()
		if _, port, _ := net.SplitHostPort(listen); port != "0" {
			if err := WaitTCP(ctx, listen, 5*time.Second); err != nil {
				select {
				case serveErr := <-errCh:
					return serveErr
				default:
					return err
				}
			}
		}
		log.Infof("call api ready: %s/api/call/events", url)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Call starts a peer, calls remote and blocks until the call ends. Status
// changes are reported through report. The session error is returned when
// the call fails.
func Call(ctx context.Context, opt Options, remote string, report func(call.Status)) error {
	p, err := Start(ctx, opt)
	if err != nil {
		return err
	}
	defer p.Close()

	updates, cancel := p.Calls.SubscribeStatus()
	defer cancel()

	sess, err := p.Calls.StartCall(ctx, remote)
	if err != nil {
		return err
	}
	report(sess.Status())

	for {
		select {
		case <-ctx.Done():
			err := sess.Hangup()
			if errors.Is(err, call.ErrSessionClosed) {
				err = nil
			}
			return err
		case up := <-updates:
			if up.ID == sess.ID() {
				report(up.Status)
			}
		case <-sess.Done():
			report(sess.Status())
			return sess.Err()
		}
	}
}

func openStore(ctx context.Context, peerDir string, cfg config.Config, hub *push.Hub) (storage.Store, error) {
	policy := record.ParticipantPolicy{}
	switch cfg.Store.Driver {
	case "mongo":
		m, err := storage.OpenMongo(ctx, storage.MongoOptions{
			URI:        cfg.Store.MongoURI,
			Database:   cfg.Store.MongoDatabase,
			Collection: cfg.Store.MongoCollection,
		}, hub, policy)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		db, err := storage.Open(util.ResolvePath(peerDir, cfg.Store.Path), hub, policy)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	}
}

// mediaSource builds the configured capture source. Both kinds also decide
// the codecs the pion media engine registers.
func mediaSource(m config.Media) (interface {
	call.MediaSource
	call.CodecConfigurer
}, error) {
	switch m.Source {
	case "device":
		d, err := call.NewDeviceSource(m.VideoBitRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", call.ErrNoMediaSource, err)
		}
		if m.MaxWidth > 0 && m.MaxHeight > 0 {
			d.MaxWidth, d.MaxHeight = m.MaxWidth, m.MaxHeight
		}
		return d, nil
	default:
		return call.SyntheticSource{Audio: m.Audio, Video: m.Video}, nil
	}
}

func setLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
	// Dial failures and backoff errors from libp2p are noise for a notice bus.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
}
