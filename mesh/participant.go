package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capmesh/capmesh/chain"
	"github.com/capmesh/capmesh/config"
	"github.com/capmesh/capmesh/internal/metrics"
	"github.com/capmesh/capmesh/internal/telemetry"
	"github.com/capmesh/capmesh/registry"
	"github.com/capmesh/capmesh/router"
	"github.com/capmesh/capmesh/rpc"
	"github.com/capmesh/capmesh/topology"
	"github.com/capmesh/capmesh/transport"
)

// ErrNoProvider is returned by CallByName when discovery knows no live
// capability with the requested name.
var ErrNoProvider = errors.New("mesh: no provider for capability")

// Options configures a Participant beyond its config file.
type Options struct {
	// Config supplies component configuration; nil means defaults.
	Config *config.Config

	// Bus overrides the transport built from Config. The participant does
	// not close an injected bus.
	Bus transport.Bus

	// Logger is the root logger; nil means noop.
	Logger *zap.Logger

	// Registerer receives the participant's Prometheus instruments; nil
	// means the default registerer.
	Registerer prometheus.Registerer

	// Classifier is the external routing collaborator; nil leaves only the
	// default-capable fallback rule.
	Classifier router.Classifier

	// EnableTopology runs a topology builder fed by this participant's
	// discovery cache and the chain event stream.
	EnableTopology bool
}

// Participant is one autonomous member of the mesh.
type Participant struct {
	id     string
	config *config.Config
	logger *zap.Logger

	bus    transport.Bus
	ownBus bool

	advertiser *registry.Advertiser
	discovery  *registry.Discovery
	requester  *rpc.Requester
	replier    *rpc.Replier
	tracer     *chain.Tracer
	router     *router.Router
	builder    *topology.Builder

	collector   *metrics.Collector
	telemetry   *telemetry.Providers
	discoverSub string
	topoSub     string
}

// New assembles a participant. Nothing runs until Start.
func New(id string, opts Options) (*Participant, error) {
	if id == "" {
		return nil, errors.New("mesh: participant id is empty")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("participant_id", id))

	bus := opts.Bus
	ownBus := false
	if bus == nil {
		var err error
		bus, err = buildBus(cfg, logger)
		if err != nil {
			return nil, err
		}
		ownBus = true
	}

	p := &Participant{
		id:         id,
		config:     cfg,
		logger:     logger,
		bus:        bus,
		ownBus:     ownBus,
		advertiser: registry.NewAdvertiser(bus, id, cfg.Registry.Advertiser, logger),
		discovery:  registry.NewDiscovery(bus, cfg.Registry.Discovery, logger),
		requester:  rpc.NewRequester(bus, id, cfg.RPC.Requester, logger),
		replier:    rpc.NewReplier(bus, id, cfg.RPC.Replier, logger),
		tracer:     chain.NewTracer(bus, cfg.Chain, logger),
		router:     router.New(opts.Classifier, nil, logger),
		collector:  metrics.NewCollector("capmesh", opts.Registerer, logger),
	}
	if opts.EnableTopology {
		p.builder = topology.NewBuilder(bus, p.discovery, cfg.Topology, logger)
	}
	return p, nil
}

func buildBus(cfg *config.Config, logger *zap.Logger) (transport.Bus, error) {
	switch cfg.Transport.Kind {
	case "", config.TransportInproc:
		return transport.NewInprocBus(cfg.Transport.Inproc, logger), nil
	case config.TransportRedis:
		return transport.NewRedisBus(cfg.Transport.Redis, logger)
	default:
		return nil, fmt.Errorf("mesh: unknown transport kind %q", cfg.Transport.Kind)
	}
}

// Start launches every subsystem.
func (p *Participant) Start(ctx context.Context) error {
	if p.config.Telemetry != nil && p.config.Telemetry.Enabled {
		providers, err := telemetry.Init(p.config.Telemetry, p.logger)
		if err != nil {
			return err
		}
		p.telemetry = providers
		p.tracer.AttachOTel(otel.Tracer("capmesh"))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.discovery.Start(ctx) })
	g.Go(func() error { return p.requester.Start(ctx) })
	g.Go(func() error { return p.advertiser.Start(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	if p.builder != nil {
		if err := p.builder.Start(ctx); err != nil {
			return err
		}
		p.topoSub = p.builder.Subscribe(
			func(ch topology.NodeChange) { p.collector.RecordTopologyChange("node", changeLabel(ch.Created, ch.Removed)) },
			func(ch topology.EdgeChange) { p.collector.RecordTopologyChange("edge", changeLabel(ch.Created, ch.Removed)) },
		)
	}
	p.discoverSub = p.discovery.Subscribe(func(e registry.Event) {
		p.collector.RecordAdvertisementEvent(string(e.Type))
		p.collector.SetCacheSize(p.discovery.Size())
	})
	p.logger.Info("participant started")
	return nil
}

func changeLabel(created, removed bool) string {
	switch {
	case created:
		return "created"
	case removed:
		return "removed"
	default:
		return "updated"
	}
}

// Close shuts the participant down. The injected bus, if any, stays open.
func (p *Participant) Close() error {
	if p.discoverSub != "" {
		p.discovery.Unsubscribe(p.discoverSub)
	}
	if p.builder != nil {
		if p.topoSub != "" {
			p.builder.Unsubscribe(p.topoSub)
		}
		_ = p.builder.Close()
	}
	_ = p.replier.Close()
	_ = p.requester.Close()
	_ = p.advertiser.Close()
	_ = p.discovery.Close()
	if p.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = p.telemetry.Shutdown(ctx)
		cancel()
	}
	if p.ownBus {
		return p.bus.Close()
	}
	return nil
}

// ID returns the participant id.
func (p *Participant) ID() string { return p.id }

// Discovery exposes the participant's discovery cache.
func (p *Participant) Discovery() *registry.Discovery { return p.discovery }

// Advertiser exposes the participant's advertiser.
func (p *Participant) Advertiser() *registry.Advertiser { return p.advertiser }

// Tracer exposes the participant's chain tracer.
func (p *Participant) Tracer() *chain.Tracer { return p.tracer }

// Topology returns the builder, or nil when topology is disabled.
func (p *Participant) Topology() *topology.Builder { return p.builder }

// NewChain mints a chain id for an outermost request entering the mesh here.
func (p *Participant) NewChain() string { return chain.NewChainID() }

// ServeFunction registers handler under a function capability named name and
// advertises it. The endpoint is derived from the participant id and name.
func (p *Participant) ServeFunction(ctx context.Context, name string, schema json.RawMessage, tags []string, handler rpc.Handler) (string, error) {
	return p.Serve(ctx, &registry.Advertisement{
		Kind:        registry.KindFunction,
		Name:        name,
		Tags:        tags,
		InputSchema: schema,
	}, handler)
}

// Serve registers handler for an arbitrary advertisement. Endpoint defaults
// to "<participant>/<name>" when unset.
func (p *Participant) Serve(ctx context.Context, ad *registry.Advertisement, handler rpc.Handler) (string, error) {
	if ad.Endpoint == "" {
		ad.Endpoint = p.id + "/" + ad.Name
	}
	if err := p.replier.Serve(ad.Endpoint, handler); err != nil {
		return "", err
	}
	capID, err := p.advertiser.Register(ctx, ad)
	if err != nil {
		_ = p.replier.Stop(ad.Endpoint)
		return "", err
	}
	return capID, nil
}

// Call performs a traced RPC to a known advertisement. chainID must be the
// chain id of the logical request this hop belongs to.
func (p *Participant) Call(ctx context.Context, chainID string, target registry.Advertisement, payload []byte, timeout time.Duration) (*rpc.Reply, error) {
	targetID := target.GlobalID()
	callID := p.tracer.StartSpan(ctx, chainID, p.id, targetID)
	p.collector.RecordChainEvent(string(chain.EventStart))

	start := time.Now()
	reply, err := p.requester.Call(ctx, target.Endpoint, payload, timeout)
	if err != nil {
		p.tracer.ErrorSpan(ctx, chainID, callID, p.id, targetID, err)
		p.collector.RecordChainEvent(string(chain.EventError))
		p.collector.RecordRPCCall(target.Endpoint, callStatus(err), time.Since(start))
		return reply, err
	}
	p.tracer.CompleteSpan(ctx, chainID, callID, p.id, targetID)
	p.collector.RecordChainEvent(string(chain.EventComplete))
	p.collector.RecordRPCCall(target.Endpoint, string(reply.Status), time.Since(start))
	return reply, nil
}

// CallByName discovers providers of the named capability and calls one.
// Among several providers the lowest global id is chosen, a deterministic
// minimum; richer selection belongs to the router.
func (p *Participant) CallByName(ctx context.Context, chainID, name string, payload []byte, timeout time.Duration) (*rpc.Reply, error) {
	candidates := p.discovery.FindByName(name)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].GlobalID() < candidates[j].GlobalID()
	})
	return p.Call(ctx, chainID, candidates[0], payload, timeout)
}

// RouteAndCall routes free-form request text through the capability router
// (and its external classifier, when configured) and calls the chosen
// capability.
func (p *Participant) RouteAndCall(ctx context.Context, chainID, requestText string, payload []byte, timeout time.Duration) (*rpc.Reply, error) {
	candidates := p.discovery.ListAll()
	chosen, err := p.router.Route(ctx, requestText, candidates)
	if err != nil {
		return nil, err
	}
	target, ok := p.discovery.Get(chosen)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, chosen)
	}
	return p.Call(ctx, chainID, target, payload, timeout)
}

func callStatus(err error) string {
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		return string(rpc.StatusTimeout)
	default:
		return string(rpc.StatusError)
	}
}
