// Package memory implements the storage interface for a tracker
// keeping peer data in memory.
package memory

import (
	"encoding/binary"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	yaml "gopkg.in/yaml.v2"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/pkg/log"
	"github.com/etracker/etracker/pkg/stop"
	"github.com/etracker/etracker/pkg/timecache"
	"github.com/etracker/etracker/storage"
)

// Name is the name by which this peer store is registered.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                = 1024
	defaultGarbageCollectionInterval = time.Minute * 3
	defaultPeerLifetime              = time.Minute * 31
)

func init() {
	storage.RegisterDriver(Name, driver{})

	prometheus.MustRegister(promGCDurationMilliseconds)
	prometheus.MustRegister(promInfohashesCount)
}

var promGCDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "etracker_storage_gc_duration_milliseconds",
	Help:    "The time it takes to perform storage garbage collection",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

var promInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "etracker_storage_infohashes_count",
	Help: "The number of infohashes tracked",
})

// recordGCDuration records the duration of a GC sweep.
func recordGCDuration(duration time.Duration) {
	promGCDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}

// recordInfohashesDelta records a change in the number of Infohashes
// tracked.
func recordInfohashesDelta(delta float64) {
	promInfohashesCount.Add(delta)
}

type driver struct{}

func (d driver) NewPeerStore(options []byte) (storage.PeerStore, error) {
	var cfg Config
	err := yaml.Unmarshal(options, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory PeerStore.
type Config struct {
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
	ShardCount                int           `yaml:"shard_count"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":         Name,
		"gcInterval":   cfg.GarbageCollectionInterval,
		"peerLifetime": cfg.PeerLifetime,
		"shardCount":   cfg.ShardCount,
	}
}

// Validate sanity checks values set in a config and returns a new
// config with defaults replacing anything that was invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
	}

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
	}

	return validcfg
}

// New creates a new PeerStore backed by memory.
func New(provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()

	ps := &peerStore{
		cfg:     cfg,
		shards:  make([]*peerShard, cfg.ShardCount*2),
		closing: make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount*2; i++ {
		ps.shards[i] = &peerShard{swarms: make(map[bittorrent.InfoHash]*swarm)}
	}

	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for {
			select {
			case <-ps.closing:
				return
			case <-time.After(cfg.GarbageCollectionInterval):
				before := time.Now().Add(-cfg.PeerLifetime)
				log.Debug("memory: purging peers with no announces since", log.Fields{"before": before})
				ps.collectGarbage(before)
			}
		}
	}()

	return ps, nil
}

type serializedPeer string

func newPeerKey(p bittorrent.Peer) serializedPeer {
	addr := p.AddrPort.Addr()
	b := make([]byte, 22, 22+16)
	copy(b[:20], p.ID[:])
	binary.BigEndian.PutUint16(b[20:22], p.AddrPort.Port())

	if addr.Is4() {
		ip := addr.As4()
		b = append(b, ip[:]...)
	} else {
		ip := addr.As16()
		b = append(b, ip[:]...)
	}

	return serializedPeer(b)
}

func decodePeerKey(pk serializedPeer) bittorrent.Peer {
	addr, ok := netip.AddrFromSlice([]byte(pk[22:]))
	if !ok {
		panic("stored peer key has invalid address")
	}

	return bittorrent.Peer{
		ID:       bittorrent.PeerIDFromString(string(pk[:20])),
		AddrPort: netip.AddrPortFrom(addr, binary.BigEndian.Uint16([]byte(pk[20:22]))),
	}
}

type peerShard struct {
	swarms map[bittorrent.InfoHash]*swarm
	sync.RWMutex
}

type swarm struct {
	// map serialized peer to mtime
	seeders  map[serializedPeer]int64
	leechers map[serializedPeer]int64

	snatches uint32
}

type peerStore struct {
	cfg     Config
	shards  []*peerShard
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

// shardIndex picks a shard for a swarm. There are twice the number of
// shards configured; the first half holds IPv4 swarms and the second
// half holds IPv6 swarms.
func (ps *peerStore) shardIndex(infoHash bittorrent.InfoHash, v6 bool) uint32 {
	idx := binary.BigEndian.Uint32(infoHash[:4]) % (uint32(len(ps.shards)) / 2)
	if v6 {
		idx += uint32(len(ps.shards) / 2)
	}
	return idx
}

func (ps *peerStore) panicIfClosed() {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

func (ps *peerStore) PutSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()

	pk := newPeerKey(p)

	shard := ps.shards[ps.shardIndex(ih, p.AddrPort.Addr().Is6())]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		sw = newSwarm()
		shard.swarms[ih] = sw
		recordInfohashesDelta(1)
	}

	sw.seeders[pk] = timecache.NowUnixNano()

	return nil
}

func (ps *peerStore) DeleteSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()

	pk := newPeerKey(p)

	shard := ps.shards[ps.shardIndex(ih, p.AddrPort.Addr().Is6())]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	if _, ok := sw.seeders[pk]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	delete(sw.seeders, pk)

	if len(sw.seeders)|len(sw.leechers) == 0 {
		delete(shard.swarms, ih)
		recordInfohashesDelta(-1)
	}

	return nil
}

func (ps *peerStore) PutLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()

	pk := newPeerKey(p)

	shard := ps.shards[ps.shardIndex(ih, p.AddrPort.Addr().Is6())]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		sw = newSwarm()
		shard.swarms[ih] = sw
		recordInfohashesDelta(1)
	}

	sw.leechers[pk] = timecache.NowUnixNano()

	return nil
}

func (ps *peerStore) DeleteLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()

	pk := newPeerKey(p)

	shard := ps.shards[ps.shardIndex(ih, p.AddrPort.Addr().Is6())]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	if _, ok := sw.leechers[pk]; !ok {
		return storage.ErrResourceDoesNotExist
	}

	delete(sw.leechers, pk)

	if len(sw.seeders)|len(sw.leechers) == 0 {
		delete(shard.swarms, ih)
		recordInfohashesDelta(-1)
	}

	return nil
}

func (ps *peerStore) GraduateLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()

	pk := newPeerKey(p)

	shard := ps.shards[ps.shardIndex(ih, p.AddrPort.Addr().Is6())]
	shard.Lock()
	defer shard.Unlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		sw = newSwarm()
		shard.swarms[ih] = sw
		recordInfohashesDelta(1)
	}

	delete(sw.leechers, pk)
	sw.seeders[pk] = timecache.NowUnixNano()
	sw.snatches++

	return nil
}

func (ps *peerStore) AnnouncePeers(ih bittorrent.InfoHash, seeder bool, numWant int, announcer bittorrent.Peer) (peers []bittorrent.Peer, err error) {
	ps.panicIfClosed()

	shard := ps.shards[ps.shardIndex(ih, announcer.AddrPort.Addr().Is6())]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return nil, storage.ErrResourceDoesNotExist
	}

	announcerKey := newPeerKey(announcer)

	if seeder {
		// Seeders need leechers.
		for pk := range sw.leechers {
			if numWant == 0 {
				break
			}
			if pk == announcerKey {
				continue
			}

			peers = append(peers, decodePeerKey(pk))
			numWant--
		}
	} else {
		// Leechers prefer seeders, padded with other leechers.
		for pk := range sw.seeders {
			if numWant == 0 {
				break
			}

			peers = append(peers, decodePeerKey(pk))
			numWant--
		}

		for pk := range sw.leechers {
			if numWant == 0 {
				break
			}
			if pk == announcerKey {
				continue
			}

			peers = append(peers, decodePeerKey(pk))
			numWant--
		}
	}

	return peers, nil
}

func (ps *peerStore) ScrapeSwarm(ih bittorrent.InfoHash, v6 bool) (resp bittorrent.Scrape) {
	ps.panicIfClosed()

	resp.InfoHash = ih

	shard := ps.shards[ps.shardIndex(ih, v6)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return
	}

	resp.Complete = uint32(len(sw.seeders))
	resp.Incomplete = uint32(len(sw.leechers))
	resp.Snatches = sw.snatches

	return
}

func newSwarm() *swarm {
	return &swarm{
		seeders:  make(map[serializedPeer]int64),
		leechers: make(map[serializedPeer]int64),
	}
}

// collectGarbage deletes all Peers from the PeerStore which are older
// than the cutoff time.
//
// This function must be able to execute while other methods on this
// interface are being executed in parallel.
func (ps *peerStore) collectGarbage(cutoff time.Time) {
	select {
	case <-ps.closing:
		return
	default:
	}

	cutoffUnix := cutoff.UnixNano()
	start := time.Now()

	for _, shard := range ps.shards {
		shard.RLock()
		infohashes := make([]bittorrent.InfoHash, 0, len(shard.swarms))
		for ih := range shard.swarms {
			infohashes = append(infohashes, ih)
		}
		shard.RUnlock()
		runtime.Gosched()

		for _, ih := range infohashes {
			shard.Lock()

			sw, stillExists := shard.swarms[ih]
			if !stillExists {
				shard.Unlock()
				runtime.Gosched()
				continue
			}

			for pk, mtime := range sw.leechers {
				if mtime <= cutoffUnix {
					delete(sw.leechers, pk)
				}
			}

			for pk, mtime := range sw.seeders {
				if mtime <= cutoffUnix {
					delete(sw.seeders, pk)
				}
			}

			if len(sw.seeders)|len(sw.leechers) == 0 {
				delete(shard.swarms, ih)
				recordInfohashesDelta(-1)
			}

			shard.Unlock()
			runtime.Gosched()
		}
	}

	recordGCDuration(time.Since(start))
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()

		// Aid the garbage collector by deleting the shards.
		ps.shards = []*peerShard{}

		c.Done()
	}()

	return c.Result()
}

// LogFields renders the current store config as a set of log fields.
func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
