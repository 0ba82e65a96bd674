// Package bittorrent implements all of the abstractions used to
// decouple the protocol of a BitTorrent tracker from the logic of
// handling Announces and Scrapes.
package bittorrent

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"time"

	"github.com/etracker/etracker/pkg/log"
)

// PeerID represents a peer ID.
type PeerID [20]byte

// PeerIDFromBytes creates a PeerID from a byte slice.
//
// It panics if b is not 20 bytes long.
func PeerIDFromBytes(b []byte) PeerID {
	if len(b) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return PeerID(buf)
}

// PeerIDFromString creates a PeerID from a string.
//
// It panics if s is not 20 bytes long.
func PeerIDFromString(s string) PeerID {
	if len(s) != 20 {
		panic("peer ID must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return PeerID(buf)
}

// PeerIDFromHexString creates a PeerID from a hex string.
//
// It panics if s is not 40 bytes long.
func PeerIDFromHexString(s string) PeerID {
	if len(s) != 40 {
		panic("peer ID must be 40 hex characters")
	}

	var buf [20]byte
	if _, err := hex.Decode(buf[:], []byte(s)); err != nil {
		panic("invalid hex in peer ID: " + err.Error())
	}

	return PeerID(buf)
}

// String implements fmt.Stringer, returning the hex encoded PeerID.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// RawString returns the bytes of a PeerID interpreted as a string.
func (p PeerID) RawString() string {
	return string(p[:])
}

// ClientID represents the part of a PeerID that identifies a peer's
// client software.
type ClientID [6]byte

// ClientID returns the client ID encoded in a PeerID, handling both
// Azureus-style and Shadow-style encodings.
func (p PeerID) ClientID() ClientID {
	var cid ClientID
	if p[0] == '-' {
		copy(cid[:], p[1:7])
	} else {
		copy(cid[:], p[:6])
	}

	return cid
}

// InfoHash represents an infohash.
type InfoHash [20]byte

// InfoHashFromBytes creates an InfoHash from a byte slice.
//
// It panics if b is not 20 bytes long.
func InfoHashFromBytes(b []byte) InfoHash {
	if len(b) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], b)
	return InfoHash(buf)
}

// InfoHashFromString creates an InfoHash from a string.
//
// It panics if s is not 20 bytes long.
func InfoHashFromString(s string) InfoHash {
	if len(s) != 20 {
		panic("infohash must be 20 bytes")
	}

	var buf [20]byte
	copy(buf[:], s)
	return InfoHash(buf)
}

// InfoHashFromHexString creates an InfoHash from a hex string.
func InfoHashFromHexString(s string) (InfoHash, error) {
	if len(s) != 40 {
		return InfoHash{}, ErrInvalidInfohash
	}

	var buf [20]byte
	if _, err := hex.Decode(buf[:], []byte(s)); err != nil {
		return InfoHash{}, ErrInvalidInfohash
	}

	return InfoHash(buf), nil
}

// String implements fmt.Stringer, returning the base16 encoded
// InfoHash.
func (i InfoHash) String() string {
	return fmt.Sprintf("%x", i[:])
}

// RawString returns a 20-byte string of the raw bytes of the InfoHash.
func (i InfoHash) RawString() string {
	return string(i[:])
}

// AnnounceRequest represents the parsed parameters from an announce
// request.
type AnnounceRequest struct {
	Event           Event
	InfoHash        InfoHash
	Compact         bool
	EventProvided   bool
	NumWantProvided bool
	IPProvided      bool
	NumWant         uint32
	Left            uint64
	Downloaded      uint64
	Uploaded        uint64

	Peer
	Params
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"event":           r.Event,
		"infoHash":        r.InfoHash,
		"compact":         r.Compact,
		"eventProvided":   r.EventProvided,
		"numWantProvided": r.NumWantProvided,
		"ipProvided":      r.IPProvided,
		"numWant":         r.NumWant,
		"left":            r.Left,
		"downloaded":      r.Downloaded,
		"uploaded":        r.Uploaded,
		"peer":            r.Peer,
	}
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Compact     bool
	Complete    uint32
	Incomplete  uint32
	Interval    time.Duration
	MinInterval time.Duration
	IPv4Peers   []Peer
	IPv6Peers   []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"compact":     r.Compact,
		"complete":    r.Complete,
		"incomplete":  r.Incomplete,
		"interval":    r.Interval,
		"minInterval": r.MinInterval,
		"ipv4Peers":   r.IPv4Peers,
		"ipv6Peers":   r.IPv6Peers,
	}
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	InfoHashes []InfoHash
	Params     Params
}

// LogFields renders the current request as a set of log fields.
func (r ScrapeRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHashes": r.InfoHashes,
	}
}

// ScrapeResponse represents the parameters used to create a scrape
// response.
//
// The Scrapes must be in the same order as the InfoHashes in the
// corresponding ScrapeRequest.
type ScrapeResponse struct {
	Files []Scrape
}

// LogFields renders the current response as a set of log fields.
func (sr ScrapeResponse) LogFields() log.Fields {
	return log.Fields{
		"files": sr.Files,
	}
}

// Scrape represents the state of a swarm that is returned in a scrape
// response.
type Scrape struct {
	InfoHash   InfoHash
	Complete   uint32
	Incomplete uint32
	Snatches   uint32
}

// Peer represents the connection details of a peer that is returned in
// an announce response.
type Peer struct {
	ID       PeerID
	AddrPort netip.AddrPort
}

// String implements fmt.Stringer for a human-friendly representation of
// a Peer.
func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.ID, p.AddrPort)
}

// LogFields renders the current peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"id":   p.ID,
		"addr": p.AddrPort,
	}
}

// Equal reports whether p and x are the same.
func (p Peer) Equal(x Peer) bool { return p.ID == x.ID && p.AddrPort == x.AddrPort }

// ClientError represents an error that should be exposed to the client
// over the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
