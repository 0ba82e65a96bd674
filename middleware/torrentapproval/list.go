package torrentapproval

import (
	"sync"

	"github.com/etracker/etracker/bittorrent"
)

// Torrent holds the metadata kept for an approved infohash.
//
// File holds the original torrent file when the infohash was registered
// by upload, so that it can be served back to clients.
type Torrent struct {
	Name   string
	Length int64
	File   []byte
}

// List is a concurrency-safe set of approved infohashes.
//
// It is shared between the announce hook that enforces it and the admin
// API that mutates it.
type List struct {
	mu       sync.RWMutex
	torrents map[bittorrent.InfoHash]Torrent
}

// NewList allocates an empty List.
func NewList() *List {
	return &List{torrents: make(map[bittorrent.InfoHash]Torrent)}
}

// Put adds or replaces the entry for the given infohash.
func (l *List) Put(ih bittorrent.InfoHash, t Torrent) {
	l.mu.Lock()
	l.torrents[ih] = t
	l.mu.Unlock()
}

// Delete removes the entry for the given infohash and reports whether
// it was present.
func (l *List) Delete(ih bittorrent.InfoHash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.torrents[ih]
	delete(l.torrents, ih)
	return ok
}

// Get returns the entry for the given infohash.
func (l *List) Get(ih bittorrent.InfoHash) (Torrent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	t, ok := l.torrents[ih]
	return t, ok
}

// Contains reports whether the given infohash is approved.
func (l *List) Contains(ih bittorrent.InfoHash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.torrents[ih]
	return ok
}

// Len returns the number of approved infohashes.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.torrents)
}

// Hashes returns a snapshot of all approved infohashes.
func (l *List) Hashes() []bittorrent.InfoHash {
	l.mu.RLock()
	defer l.mu.RUnlock()

	hashes := make([]bittorrent.InfoHash, 0, len(l.torrents))
	for ih := range l.torrents {
		hashes = append(hashes, ih)
	}
	return hashes
}
