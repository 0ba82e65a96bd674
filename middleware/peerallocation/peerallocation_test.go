package peerallocation

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/storage"
	_ "github.com/etracker/etracker/storage/memory"
)

func testStore(t *testing.T) storage.PeerStore {
	t.Helper()

	ps, err := storage.NewPeerStore("memory", []byte("{}"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Stop().Wait() })

	return ps
}

func testAnnounce(id string, ih bittorrent.InfoHash, numWant uint32, left uint64) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		InfoHash: ih,
		NumWant:  numWant,
		Left:     left,
		Uploaded: 1024,
		Peer: bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString(id),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 6881),
		},
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := NewHook(Config{Algorithm: "fair dice roll"}, testStore(t))
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestNumwantPassthrough(t *testing.T) {
	h, err := NewHook(Config{Algorithm: AlgorithmNumwant}, testStore(t))
	require.NoError(t, err)

	req := testAnnounce("-TR2940-a8hj0wgej6c1", bittorrent.InfoHashFromString("00000000000000000001"), 37, 100)
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Equal(t, uint32(37), req.NumWant)
}

func TestSeedSupplyStarvedSwarmGetsMinimum(t *testing.T) {
	h, err := NewHook(Config{
		Algorithm:          AlgorithmSeedSupply,
		MinimumPeers:       5,
		ReferenceSeedLevel: 10,
	}, testStore(t))
	require.NoError(t, err)

	req := testAnnounce("-TR2940-b8hj0wgej6c1", bittorrent.InfoHashFromString("00000000000000000002"), 50, 100)
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Equal(t, uint32(5), req.NumWant)
}

func TestSeedSupplyWellSeededSwarmGetsRequested(t *testing.T) {
	ps := testStore(t)
	ih := bittorrent.InfoHashFromString("00000000000000000003")

	// Fill the swarm up to the reference seed level.
	for i := 0; i < 10; i++ {
		seeder := bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString(fmt.Sprintf("-TR2940-c8hj0wgej6%02d", i)),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr(fmt.Sprintf("10.0.1.%d", i+1)), 6881),
		}
		require.NoError(t, ps.PutSeeder(ih, seeder))
	}

	h, err := NewHook(Config{
		Algorithm:          AlgorithmSeedSupply,
		MinimumPeers:       5,
		ReferenceSeedLevel: 10,
	}, ps)
	require.NoError(t, err)

	req := testAnnounce("-TR2940-d8hj0wgej6c1", ih, 50, 100)
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Equal(t, uint32(50), req.NumWant)
}

func TestSeedSupplyMonotonic(t *testing.T) {
	ps := testStore(t)
	ih := bittorrent.InfoHashFromString("00000000000000000004")

	h, err := NewHook(Config{
		Algorithm:          AlgorithmSeedSupply,
		MinimumPeers:       5,
		ReferenceSeedLevel: 20,
	}, ps)
	require.NoError(t, err)

	last := uint32(0)
	for i := 0; i < 15; i++ {
		seeder := bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString(fmt.Sprintf("-TR2940-e8hj0wgej6%02d", i)),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr(fmt.Sprintf("10.0.2.%d", i+1)), 6881),
		}
		require.NoError(t, ps.PutSeeder(ih, seeder))

		req := testAnnounce("-TR2940-f8hj0wgej6c1", ih, 50, 100)
		_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
		require.NoError(t, err)

		require.GreaterOrEqual(t, req.NumWant, last, "allocation should never shrink as supply grows")
		require.GreaterOrEqual(t, req.NumWant, uint32(5))
		require.LessOrEqual(t, req.NumWant, uint32(50))
		last = req.NumWant
	}
}

func TestSeedSupplyNeverExceedsRequest(t *testing.T) {
	ps := testStore(t)
	ih := bittorrent.InfoHashFromString("00000000000000000005")

	for i := 0; i < 100; i++ {
		seeder := bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString(fmt.Sprintf("-TR2940-g8hj0wge%04d", i)),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr(fmt.Sprintf("10.0.%d.%d", i/250+3, i%250+1)), 6881),
		}
		require.NoError(t, ps.PutSeeder(ih, seeder))
	}

	h, err := NewHook(Config{
		Algorithm:          AlgorithmSeedSupply,
		MinimumPeers:       5,
		ReferenceSeedLevel: 10,
	}, ps)
	require.NoError(t, err)

	req := testAnnounce("-TR2940-h8hj0wgej6c1", ih, 30, 100)
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Equal(t, uint32(30), req.NumWant)
}

func TestSeedSupplyRequestBelowMinimumHonored(t *testing.T) {
	ps := testStore(t)
	ih := bittorrent.InfoHashFromString("00000000000000000009")

	// Saturate the swarm so the curve would otherwise allocate up to
	// the configured minimum.
	for i := 0; i < 50; i++ {
		seeder := bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString(fmt.Sprintf("-TR2940-n8hj0wge%04d", i)),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr(fmt.Sprintf("10.0.9.%d", i+1)), 6881),
		}
		require.NoError(t, ps.PutSeeder(ih, seeder))
	}

	h, err := NewHook(Config{
		Algorithm:          AlgorithmSeedSupply,
		MinimumPeers:       5,
		ReferenceSeedLevel: 10,
	}, ps)
	require.NoError(t, err)

	// A client asking for fewer peers than the minimum keeps its own
	// limit; the floor only applies to larger requests.
	req := testAnnounce("-TR2940-n8hj0wgej6c1", ih, 3, 100)
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Equal(t, uint32(3), req.NumWant)
}

func TestClientScoreRewardsSeeders(t *testing.T) {
	h, err := NewHook(Config{
		Algorithm:    AlgorithmClientScore,
		MinimumPeers: 5,
	}, testStore(t))
	require.NoError(t, err)
	defer func() { h.(*hook).Stop().Wait() }()

	// A client seeding nothing only receives the minimum.
	fresh := testAnnounce("-TR2940-i8hj0wgej6c1", bittorrent.InfoHashFromString("00000000000000000006"), 50, 100)
	fresh.Uploaded = 0
	_, err = h.HandleAnnounce(context.Background(), fresh, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Equal(t, uint32(5), fresh.NumWant)

	// A client seeding several swarms with a positive ratio earns more.
	for i := 0; i < 8; i++ {
		seedAnnounce := testAnnounce("-TR2940-j8hj0wgej6c1", bittorrent.InfoHashFromString(fmt.Sprintf("0000000000000000001%d", i)), 50, 0)
		_, err = h.HandleAnnounce(context.Background(), seedAnnounce, &bittorrent.AnnounceResponse{})
		require.NoError(t, err)
	}

	leech := testAnnounce("-TR2940-j8hj0wgej6c1", bittorrent.InfoHashFromString("00000000000000000007"), 50, 100)
	leech.Uploaded = 0
	_, err = h.HandleAnnounce(context.Background(), leech, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)
	require.Greater(t, leech.NumWant, fresh.NumWant)
	require.LessOrEqual(t, leech.NumWant, uint32(50))
}

func TestClientScoreStoppedSwarmForgotten(t *testing.T) {
	sb := newScoreboard(30*time.Minute, 5)

	ih := bittorrent.InfoHashFromString("00000000000000000008")
	seed := testAnnounce("-TR2940-m8hj0wgej6c1", ih, 50, 0)
	require.Equal(t, 2, sb.observe(seed), "one seeded swarm with a positive ratio")

	stopped := testAnnounce("-TR2940-m8hj0wgej6c1", ih, 50, 0)
	stopped.Event = bittorrent.Stopped
	require.Equal(t, 0, sb.observe(stopped))
}
