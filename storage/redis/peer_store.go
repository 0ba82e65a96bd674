// Package redis implements the storage interface for a tracker keeping
// peer data in redis, so that multiple tracker instances can share one
// view of their swarms.
package redis

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"sync"
	"time"

	redigo "github.com/gomodule/redigo/redis"
	yaml "gopkg.in/yaml.v2"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/pkg/log"
	"github.com/etracker/etracker/pkg/stop"
	"github.com/etracker/etracker/pkg/timecache"
	"github.com/etracker/etracker/storage"
)

// Name is the name by which this peer store is registered.
const Name = "redis"

// Default config constants.
const (
	defaultAddr                      = "localhost:6379"
	defaultMaxIdle                   = 4
	defaultGarbageCollectionInterval = time.Minute * 3
	defaultPeerLifetime              = time.Minute * 31
)

func init() {
	storage.RegisterDriver(Name, driver{})
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

// Config holds the configuration of a redis PeerStore.
type Config struct {
	Addr                      string        `yaml:"addr"`
	KeyPrefix                 string        `yaml:"key_prefix"`
	MaxIdle                   int           `yaml:"max_idle"`
	GarbageCollectionInterval time.Duration `yaml:"gc_interval"`
	PeerLifetime              time.Duration `yaml:"peer_lifetime"`
}

// LogFields renders the current config as a set of log fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":         Name,
		"addr":         cfg.Addr,
		"keyPrefix":    cfg.KeyPrefix,
		"maxIdle":      cfg.MaxIdle,
		"gcInterval":   cfg.GarbageCollectionInterval,
		"peerLifetime": cfg.PeerLifetime,
	}
}

// Validate sanity checks values set in a config and returns a new
// config with defaults replacing anything that was invalid.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Addr == "" {
		validcfg.Addr = defaultAddr
	}

	if cfg.MaxIdle <= 0 {
		validcfg.MaxIdle = defaultMaxIdle
	}

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
	}

	return validcfg
}

// New creates a new PeerStore backed by redis.
func New(provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()

	ps := &peerStore{
		cfg: cfg,
		pool: &redigo.Pool{
			MaxIdle:     cfg.MaxIdle,
			IdleTimeout: 240 * time.Second,
			Dial: func() (redigo.Conn, error) {
				return redigo.Dial("tcp", cfg.Addr)
			},
			TestOnBorrow: func(c redigo.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		},
		closing: make(chan struct{}),
	}

	conn := ps.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, err
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
				log.Debug("redis: purging peers with no announces since", log.Fields{"before": before})
				if err := ps.collectGarbage(before); err != nil {
					log.Error("redis: garbage collection failed", log.Err(err))
				}
			}
		}
	}()

	return ps, nil
}

type peerStore struct {
	cfg     Config
	pool    *redigo.Pool
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

func (ps *peerStore) panicIfClosed() {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped redis store")
	default:
	}
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

// Swarms are stored as one hash per (infohash, address family, role)
// with serialized peers as fields and their last announce time as
// values. Snatches are a plain counter per infohash.
func (ps *peerStore) seederKey(ih bittorrent.InfoHash, v6 bool) string {
	return ps.cfg.KeyPrefix + "seeder" + afSuffix(v6) + ":" + ih.String()
}

func (ps *peerStore) leecherKey(ih bittorrent.InfoHash, v6 bool) string {
	return ps.cfg.KeyPrefix + "leecher" + afSuffix(v6) + ":" + ih.String()
}

func (ps *peerStore) snatchKey(ih bittorrent.InfoHash) string {
	return ps.cfg.KeyPrefix + "snatch:" + ih.String()
}

func afSuffix(v6 bool) string {
	if v6 {
		return "6"
	}
	return "4"
}

func (ps *peerStore) putPeer(key string, pk serializedPeer) error {
	conn := ps.pool.Get()
	defer conn.Close()

	_, err := conn.Do("HSET", key, string(pk), timecache.NowUnixNano())
	return err
}

func (ps *peerStore) deletePeer(key string, pk serializedPeer) error {
	conn := ps.pool.Get()
	defer conn.Close()

	removed, err := redigo.Int(conn.Do("HDEL", key, string(pk)))
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

// freshPeers returns the serialized peers of a swarm hash that are
// within the configured peer lifetime.
func (ps *peerStore) freshPeers(conn redigo.Conn, key string) ([]serializedPeer, error) {
	members, err := redigo.Int64Map(conn.Do("HGETALL", key))
	if err != nil {
		return nil, err
	}

	cutoff := timecache.Now().Add(-ps.cfg.PeerLifetime).UnixNano()
	peers := make([]serializedPeer, 0, len(members))
	for pk, mtime := range members {
		if mtime <= cutoff {
			continue
		}
		peers = append(peers, serializedPeer(pk))
	}

	return peers, nil
}

func (ps *peerStore) PutSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()
	return ps.putPeer(ps.seederKey(ih, p.AddrPort.Addr().Is6()), newPeerKey(p))
}

func (ps *peerStore) DeleteSeeder(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()
	return ps.deletePeer(ps.seederKey(ih, p.AddrPort.Addr().Is6()), newPeerKey(p))
}

func (ps *peerStore) PutLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()
	return ps.putPeer(ps.leecherKey(ih, p.AddrPort.Addr().Is6()), newPeerKey(p))
}

func (ps *peerStore) DeleteLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()
	return ps.deletePeer(ps.leecherKey(ih, p.AddrPort.Addr().Is6()), newPeerKey(p))
}

func (ps *peerStore) GraduateLeecher(ih bittorrent.InfoHash, p bittorrent.Peer) error {
	ps.panicIfClosed()

	v6 := p.AddrPort.Addr().Is6()
	pk := newPeerKey(p)

	conn := ps.pool.Get()
	defer conn.Close()

	if err := conn.Send("HDEL", ps.leecherKey(ih, v6), string(pk)); err != nil {
		return err
	}
	if err := conn.Send("HSET", ps.seederKey(ih, v6), string(pk), timecache.NowUnixNano()); err != nil {
		return err
	}

	// Do drains the pipelined replies so the pooled connection comes
	// back clean.
	_, err := conn.Do("INCR", ps.snatchKey(ih))
	return err
}

func (ps *peerStore) AnnouncePeers(ih bittorrent.InfoHash, seeder bool, numWant int, announcer bittorrent.Peer) (peers []bittorrent.Peer, err error) {
	ps.panicIfClosed()

	v6 := announcer.AddrPort.Addr().Is6()
	announcerKey := newPeerKey(announcer)

	conn := ps.pool.Get()
	defer conn.Close()

	seeders, err := ps.freshPeers(conn, ps.seederKey(ih, v6))
	if err != nil {
		return nil, err
	}
	leechers, err := ps.freshPeers(conn, ps.leecherKey(ih, v6))
	if err != nil {
		return nil, err
	}

	if len(seeders)+len(leechers) == 0 {
		return nil, storage.ErrResourceDoesNotExist
	}

	var candidates []serializedPeer
	if seeder {
		candidates = leechers
	} else {
		candidates = append(seeders, leechers...)
	}

	for _, pk := range candidates {
		if numWant == 0 {
			break
		}
		if pk == announcerKey {
			continue
		}

		peers = append(peers, decodePeerKey(pk))
		numWant--
	}

	return peers, nil
}

func (ps *peerStore) ScrapeSwarm(ih bittorrent.InfoHash, v6 bool) (resp bittorrent.Scrape) {
	ps.panicIfClosed()

	resp.InfoHash = ih

	conn := ps.pool.Get()
	defer conn.Close()

	seeders, err := ps.freshPeers(conn, ps.seederKey(ih, v6))
	if err != nil {
		log.Error("redis: scrape failed", log.Err(err))
		return
	}
	leechers, err := ps.freshPeers(conn, ps.leecherKey(ih, v6))
	if err != nil {
		log.Error("redis: scrape failed", log.Err(err))
		return
	}

	snatches, err := redigo.Int(conn.Do("GET", ps.snatchKey(ih)))
	if err != nil && err != redigo.ErrNil {
		log.Error("redis: scrape failed", log.Err(err))
		return
	}

	resp.Complete = uint32(len(seeders))
	resp.Incomplete = uint32(len(leechers))
	resp.Snatches = uint32(snatches)

	return
}

// collectGarbage deletes all Peers from the PeerStore which are older
// than the cutoff time, and drops the snatch counters of swarms whose
// hashes have emptied.
func (ps *peerStore) collectGarbage(cutoff time.Time) error {
	select {
	case <-ps.closing:
		return nil
	default:
	}

	conn := ps.pool.Get()
	defer conn.Close()

	cutoffUnix := cutoff.UnixNano()
	start := time.Now()

	// Infohashes whose swarm hashes were seen this sweep, so dead
	// swarms can have their snatch counters dropped afterwards.
	touched := make(map[string]struct{})

	for _, pattern := range []string{
		ps.cfg.KeyPrefix + "seeder?:*",
		ps.cfg.KeyPrefix + "leecher?:*",
	} {
		cursor := int64(0)
		for {
			reply, err := redigo.Values(conn.Do("SCAN", cursor, "MATCH", pattern))
			if err != nil {
				return err
			}

			var keys []string
			if _, err := redigo.Scan(reply, &cursor, &keys); err != nil {
				return err
			}

			for _, key := range keys {
				if idx := strings.LastIndex(key, ":"); idx != -1 {
					touched[key[idx+1:]] = struct{}{}
				}

				members, err := redigo.Int64Map(conn.Do("HGETALL", key))
				if err != nil {
					return err
				}

				for pk, mtime := range members {
					if mtime <= cutoffUnix {
						if _, err := conn.Do("HDEL", key, pk); err != nil {
							return err
						}
					}
				}
			}

			if cursor == 0 {
				break
			}
		}
	}

	// Redis drops a hash key with its last field, so a swarm with no
	// remaining hashes is dead and its snatch counter can go too.
	for ihHex := range touched {
		remaining := 0
		for _, role := range []string{"seeder", "leecher"} {
			for _, af := range []string{"4", "6"} {
				n, err := redigo.Int(conn.Do("EXISTS", ps.cfg.KeyPrefix+role+af+":"+ihHex))
				if err != nil {
					return err
				}
				remaining += n
			}
		}
		if remaining == 0 {
			if _, err := conn.Do("DEL", ps.cfg.KeyPrefix+"snatch:"+ihHex); err != nil {
				return err
			}
		}
	}

	log.Debug("redis: garbage collection finished", log.Fields{"duration": time.Since(start)})
	return nil
}

func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()
		c.Done(ps.pool.Close())
	}()

	return c.Result()
}

// LogFields renders the current store config as a set of log fields.
func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}
