package peerallocation

import (
	"math"
	"sync"
	"time"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/pkg/timecache"
)

// referenceRefreshInterval bounds how often the adaptive reference
// level is recomputed from the full client population.
const referenceRefreshInterval = time.Minute

// swarmRecord remembers what a client last reported for one swarm.
type swarmRecord struct {
	seeding       bool
	positiveRatio bool
	mtime         int64
}

type clientRecord struct {
	swarms map[bittorrent.InfoHash]swarmRecord
}

// scoreboard tracks per-client contribution across swarms so that the
// client score algorithm can rate announcing clients.
//
// A client's score is the number of swarms it seeds, with a bonus for
// the share of its swarms reporting a positive upload ratio. Ratio data
// resets with client restarts and is noisy, so it is only ever a bonus.
type scoreboard struct {
	mu       sync.Mutex
	clients  map[bittorrent.PeerID]*clientRecord
	lifetime time.Duration

	floor          float64
	cachedRef      float64
	cachedRefStamp time.Time
}

func newScoreboard(lifetime time.Duration, floor float64) *scoreboard {
	return &scoreboard{
		clients:   make(map[bittorrent.PeerID]*clientRecord),
		lifetime:  lifetime,
		floor:     floor,
		cachedRef: floor,
	}
}

// observe folds an announce into the scoreboard and returns the
// announcing client's current score.
func (s *scoreboard) observe(req *bittorrent.AnnounceRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[req.Peer.ID]
	if !ok {
		c = &clientRecord{swarms: make(map[bittorrent.InfoHash]swarmRecord)}
		s.clients[req.Peer.ID] = c
	}

	if req.Event == bittorrent.Stopped {
		delete(c.swarms, req.InfoHash)
		if len(c.swarms) == 0 {
			delete(s.clients, req.Peer.ID)
		}
		return s.scoreLocked(c)
	}

	// The original uploader or a cross-seeder can report upload while
	// reporting no download.
	positive := req.Uploaded > 0
	if req.Downloaded > 0 {
		positive = req.Uploaded >= req.Downloaded
	}

	c.swarms[req.InfoHash] = swarmRecord{
		seeding:       req.Left == 0,
		positiveRatio: positive,
		mtime:         timecache.NowUnixNano(),
	}

	return s.scoreLocked(c)
}

func (s *scoreboard) scoreLocked(c *clientRecord) int {
	cutoff := timecache.Now().Add(-s.lifetime).UnixNano()

	var total, seeded, positive int
	for _, sw := range c.swarms {
		if sw.mtime <= cutoff {
			continue
		}
		total++
		if sw.seeding {
			seeded++
		}
		if sw.positiveRatio {
			positive++
		}
	}

	if total == 0 {
		return 0
	}
	return seeded * (1 + positive/total)
}

// referenceLevel returns the score at which a client is handed all the
// peers it asked for. It is one standard deviation above the mean
// seeded swarm count of the current client population, floored for
// small populations.
func (s *scoreboard) referenceLevel() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timecache.Now()
	if now.Sub(s.cachedRefStamp) < referenceRefreshInterval {
		return s.cachedRef
	}

	cutoff := now.Add(-s.lifetime).UnixNano()

	var counts []float64
	for _, c := range s.clients {
		var seeded int
		for _, sw := range c.swarms {
			if sw.mtime > cutoff {
				if sw.seeding {
					seeded++
				}
			}
		}
		counts = append(counts, float64(seeded))
	}

	ref := s.floor
	if len(counts) > 0 {
		var sum float64
		for _, v := range counts {
			sum += v
		}
		mean := sum / float64(len(counts))

		var variance float64
		for _, v := range counts {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(len(counts))

		if computed := mean + math.Sqrt(variance); computed > ref {
			ref = computed
		}
	}

	s.cachedRef = ref
	s.cachedRefStamp = now
	return ref
}

// collectGarbage drops swarm records that have not announced within the
// lifetime, and clients left with no swarms.
func (s *scoreboard) collectGarbage() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := timecache.Now().Add(-s.lifetime).UnixNano()
	for id, c := range s.clients {
		for ih, sw := range c.swarms {
			if sw.mtime <= cutoff {
				delete(c.swarms, ih)
			}
		}
		if len(c.swarms) == 0 {
			delete(s.clients, id)
		}
	}
}
