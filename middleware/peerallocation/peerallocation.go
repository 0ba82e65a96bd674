// Package peerallocation implements a Hook that decides how many peers
// an announcing client deserves before the response is generated.
//
// Rather than handing every client exactly the number of peers it asked
// for, the tracker can ration peers along a saturating curve so that
// swarms with few seeders are not flooded with leechers and clients that
// contribute more receive more in return.
package peerallocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/middleware"
	"github.com/etracker/etracker/pkg/log"
	"github.com/etracker/etracker/pkg/smoothing"
	"github.com/etracker/etracker/pkg/stop"
	"github.com/etracker/etracker/storage"
)

// Name is the name by which this middleware is registered.
const Name = "peer allocation"

// The allocation algorithms selectable via config.
const (
	// AlgorithmNumwant hands every client the number of peers it
	// requested.
	AlgorithmNumwant = "numwant"

	// AlgorithmSeedSupply rations peers along the smoothing curve using
	// the announced swarm's seeder count as the supply signal.
	AlgorithmSeedSupply = "seed supply"

	// AlgorithmClientScore rations peers along the smoothing curve
	// using a score derived from how many swarms the client seeds and
	// whether it keeps a positive upload ratio.
	AlgorithmClientScore = "client score"
)

// Default config constants.
const (
	defaultMinimumPeers       = 5
	defaultReferenceSeedLevel = 30
	defaultClientLifetime     = time.Minute * 31
	defaultGCInterval         = time.Minute * 3
)

// ErrUnknownAlgorithm is returned by NewHook when the configured
// algorithm is not one of the Algorithm constants.
var ErrUnknownAlgorithm = errors.New("peer allocation algorithm does not exist")

// Config represents the configuration for the peer allocation
// middleware.
//
// ReferenceSeedLevel is the supply level at which a client is handed
// everything it asked for. AlgorithmClientScore ignores it and derives
// the level from the population of announcing clients instead.
//
// MinimumPeers floors the curve for clients that asked for more; a
// client requesting fewer peers than the minimum keeps its own limit.
type Config struct {
	Algorithm          string        `yaml:"algorithm"`
	MinimumPeers       uint32        `yaml:"minimum_peers"`
	ReferenceSeedLevel float64       `yaml:"reference_seed_level"`
	ClientLifetime     time.Duration `yaml:"client_lifetime"`
	GCInterval         time.Duration `yaml:"gc_interval"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"algorithm":          cfg.Algorithm,
		"minimumPeers":       cfg.MinimumPeers,
		"referenceSeedLevel": cfg.ReferenceSeedLevel,
		"clientLifetime":     cfg.ClientLifetime,
		"gcInterval":         cfg.GCInterval,
	}
}

// Validate sanity checks values set in a config and returns a new
// config with defaults replacing anything that was invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Algorithm == "" {
		validcfg.Algorithm = AlgorithmNumwant
	}

	if cfg.MinimumPeers == 0 {
		validcfg.MinimumPeers = defaultMinimumPeers
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".MinimumPeers",
			"provided": cfg.MinimumPeers,
			"default":  validcfg.MinimumPeers,
		})
	}

	if cfg.ReferenceSeedLevel <= 0 {
		validcfg.ReferenceSeedLevel = defaultReferenceSeedLevel
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".ReferenceSeedLevel",
			"provided": cfg.ReferenceSeedLevel,
			"default":  validcfg.ReferenceSeedLevel,
		})
	}

	if cfg.ClientLifetime <= 0 {
		validcfg.ClientLifetime = defaultClientLifetime
	}

	if cfg.GCInterval <= 0 {
		validcfg.GCInterval = defaultGCInterval
	}

	return validcfg
}

type hook struct {
	cfg    Config
	store  storage.PeerStore
	scores *scoreboard

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewHook returns an instance of the peer allocation middleware.
//
// The store is consulted for swarm seeder counts and must outlive the
// hook.
func NewHook(provided Config, store storage.PeerStore) (middleware.Hook, error) {
	cfg := provided.Validate()

	switch cfg.Algorithm {
	case AlgorithmNumwant, AlgorithmSeedSupply, AlgorithmClientScore:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, cfg.Algorithm)
	}

	// Derive a throwaway curve so that a bad config fails at startup
	// rather than on the first announce.
	if _, err := smoothing.New(float64(cfg.MinimumPeers), float64(cfg.MinimumPeers), cfg.ReferenceSeedLevel); err != nil {
		return nil, err
	}

	h := &hook{
		cfg:     cfg,
		store:   store,
		closing: make(chan struct{}),
	}

	if cfg.Algorithm == AlgorithmClientScore {
		h.scores = newScoreboard(cfg.ClientLifetime, float64(cfg.MinimumPeers))
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.closing:
					return
				case <-time.After(cfg.GCInterval):
					h.scores.collectGarbage()
				}
			}
		}()
	}

	log.Debug("peer allocation middleware initialized", cfg)
	return h, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	var supply int
	switch h.cfg.Algorithm {
	case AlgorithmNumwant:
		return ctx, nil

	case AlgorithmSeedSupply:
		s := h.store.ScrapeSwarm(req.InfoHash, req.Peer.AddrPort.Addr().Unmap().Is6())
		supply = int(s.Complete)

	case AlgorithmClientScore:
		supply = h.scores.observe(req)
	}

	req.NumWant = h.allocate(supply, req.NumWant)
	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrape responses carry no peers to allocate.
	return ctx, nil
}

// allocate maps a supply level to the number of peers to hand out,
// bounded below by the configured minimum and above by the client's
// request. A request below the minimum is honored as-is; the curve
// never hands a client more peers than it asked for.
func (h *hook) allocate(supply int, requested uint32) uint32 {
	minimum := float64(h.cfg.MinimumPeers)
	ceiling := float64(requested)
	if ceiling <= minimum {
		return requested
	}

	reference := h.cfg.ReferenceSeedLevel
	if h.scores != nil {
		reference = h.scores.referenceLevel()
	}

	curve, err := smoothing.New(minimum, ceiling, reference)
	if err != nil {
		// Validated at startup; a failure here means the scoreboard
		// produced a bogus reference level.
		log.Error("peer allocation curve rejected parameters", log.Err(err), log.Fields{
			"minimum":   minimum,
			"ceiling":   ceiling,
			"reference": reference,
		})
		return requested
	}

	return uint32(curve.AllocateInt(supply))
}

// Stop shuts down the scoreboard maintenance goroutine.
func (h *hook) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(h.closing)
		h.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}
