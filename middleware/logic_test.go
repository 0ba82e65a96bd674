package middleware

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/storage"
	_ "github.com/etracker/etracker/storage/memory"
)

// nopHook is a Hook to measure the overhead of a no-operation Hook
// through benchmarks.
type nopHook struct{}

func (h *nopHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	return ctx, nil
}

func (h *nopHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

func testLogic(t *testing.T) *Logic {
	t.Helper()

	ps, err := storage.NewPeerStore("memory", []byte("{}"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Stop().Wait() })

	return NewLogic(ResponseConfig{
		AnnounceInterval:    30 * time.Minute,
		MinAnnounceInterval: 15 * time.Minute,
	}, ps, []Hook{&nopHook{}}, nil)
}

func testAnnounceRequest(ip string, left uint64) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		InfoHash: bittorrent.InfoHashFromString("00000000000000000001"),
		NumWant:  50,
		Left:     left,
		Peer: bittorrent.Peer{
			ID:       bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c1"),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr(ip), 6881),
		},
	}
}

func TestHandleAnnounceReturnsIntervals(t *testing.T) {
	l := testLogic(t)

	_, resp, err := l.HandleAnnounce(context.Background(), testAnnounceRequest("10.0.0.1", 100))
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, resp.Interval)
	require.Equal(t, 15*time.Minute, resp.MinInterval)
}

func TestLoneLeecherSeesItself(t *testing.T) {
	l := testLogic(t)

	req := testAnnounceRequest("10.0.0.1", 100)
	_, resp, err := l.HandleAnnounce(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.IPv4Peers, 1)
	require.True(t, resp.IPv4Peers[0].Equal(req.Peer))
	require.Equal(t, uint32(1), resp.Incomplete)
}

func TestAfterAnnounceRecordsSwarmInteraction(t *testing.T) {
	l := testLogic(t)

	seeder := testAnnounceRequest("10.0.0.1", 0)
	ctx, resp, err := l.HandleAnnounce(context.Background(), seeder)
	require.NoError(t, err)
	l.AfterAnnounce(ctx, seeder, resp)

	leecher := testAnnounceRequest("10.0.0.2", 100)
	leecher.Peer.ID = bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c2")
	_, resp, err = l.HandleAnnounce(context.Background(), leecher)
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Len(t, resp.IPv4Peers, 1)
	require.True(t, resp.IPv4Peers[0].Equal(seeder.Peer))
}

func TestHandleScrape(t *testing.T) {
	l := testLogic(t)

	seeder := testAnnounceRequest("10.0.0.1", 0)
	ctx, resp, err := l.HandleAnnounce(context.Background(), seeder)
	require.NoError(t, err)
	l.AfterAnnounce(ctx, seeder, resp)

	scrapeReq := &bittorrent.ScrapeRequest{
		InfoHashes: []bittorrent.InfoHash{seeder.InfoHash},
	}
	_, scrapeResp, err := l.HandleScrape(context.Background(), scrapeReq)
	require.NoError(t, err)
	require.Len(t, scrapeResp.Files, 1)
	require.Equal(t, uint32(1), scrapeResp.Files[0].Complete)
}

func BenchmarkHookOverhead(b *testing.B) {
	req := &bittorrent.AnnounceRequest{Peer: bittorrent.Peer{
		AddrPort: netip.AddrPortFrom(netip.MustParseAddr("1.2.3.4"), 6881),
	}}
	resp := &bittorrent.AnnounceResponse{}

	hooks := []Hook{&nopHook{}, &nopHook{}, &nopHook{}}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, h := range hooks {
			_, _ = h.HandleAnnounce(ctx, req, resp)
		}
	}
}
