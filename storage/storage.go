// Package storage abstracts the interactions of storing and
// manipulating Peers so that multiple data stores can back a tracker.
package storage

import (
	"errors"
	"sync"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of PeerStore.
//
// The options parameter is YAML encoded bytes that should be
// unmarshalled into the driver's custom configuration.
type Driver interface {
	NewPeerStore(options []byte) (PeerStore, error)
}

// ErrResourceDoesNotExist is the error returned by all delete methods
// and AnnouncePeers in the store if the requested resource does not
// exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrDriverDoesNotExist is the error returned by NewPeerStore when a
// peer store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("peer store driver with that name does not exist")

// PeerStore is an interface that abstracts the interactions of storing
// and manipulating Peers such that it can be implemented for various
// data stores.
type PeerStore interface {
	// PutSeeder adds a Seeder to the Swarm identified by the provided
	// infoHash.
	PutSeeder(infoHash bittorrent.InfoHash, p bittorrent.Peer) error

	// DeleteSeeder removes a Seeder from the Swarm identified by the
	// provided infoHash.
	//
	// If the Swarm or Peer does not exist, this function returns
	// ErrResourceDoesNotExist.
	DeleteSeeder(infoHash bittorrent.InfoHash, p bittorrent.Peer) error

	// PutLeecher adds a Leecher to the Swarm identified by the
	// provided infoHash.
	PutLeecher(infoHash bittorrent.InfoHash, p bittorrent.Peer) error

	// DeleteLeecher removes a Leecher from the Swarm identified by the
	// provided infoHash.
	//
	// If the Swarm or Peer does not exist, this function returns
	// ErrResourceDoesNotExist.
	DeleteLeecher(infoHash bittorrent.InfoHash, p bittorrent.Peer) error

	// GraduateLeecher promotes a Leecher to a Seeder in the Swarm
	// identified by the provided infoHash, and counts the promotion as
	// a snatch.
	//
	// If the given Peer is not present as a Leecher, add the Peer as a
	// Seeder and return no error.
	GraduateLeecher(infoHash bittorrent.InfoHash, p bittorrent.Peer) error

	// AnnouncePeers is a best effort attempt to return Peers from the
	// Swarm identified by the provided infoHash.
	//
	// The returned Peers are:
	// - as close to length equal to numWant as possible without going
	//   over
	// - all of the same address family as the announcing peer
	// - if seeder is true, ideally leechers; if seeder is false,
	//   ideally seeders, padded with other leechers
	//
	// Returns ErrResourceDoesNotExist if the provided infoHash is not
	// tracked.
	AnnouncePeers(infoHash bittorrent.InfoHash, seeder bool, numWant int, announcer bittorrent.Peer) (peers []bittorrent.Peer, err error)

	// ScrapeSwarm returns information required to answer a scrape
	// request about a swarm identified by the given infohash. The v6
	// flag selects the IPv6 or IPv4 swarm.
	//
	// If the infohash is unknown to the PeerStore, an empty Scrape is
	// returned.
	ScrapeSwarm(infoHash bittorrent.InfoHash, v6 bool) bittorrent.Scrape

	// Stopper provides a clean shutdown of the PeerStore. A stopped
	// PeerStore panics on use.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the
// provided Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewPeerStore attempts to initialize a new PeerStore given a name from
// the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewPeerStore(name string, options []byte) (ps PeerStore, err error) {
	driversM.RLock()
	defer driversM.RUnlock()

	var d Driver
	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewPeerStore(options)
}
