package http

import (
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/etracker/etracker/bittorrent"
)

func TestWriteError(t *testing.T) {
	var table = []struct {
		reason, expected string
	}{
		{"hello world", "d14:failure reason11:hello worlde"},
		{"what's up", "d14:failure reason9:what's upe"},
	}

	for _, tt := range table {
		t.Run(tt.reason, func(t *testing.T) {
			r := httptest.NewRecorder()
			err := WriteError(r, bittorrent.ClientError(tt.reason))
			require.Nil(t, err)
			require.Equal(t, tt.expected, r.Body.String())
		})
	}
}

func TestWriteStatus(t *testing.T) {
	r := httptest.NewRecorder()
	err := WriteError(r, bittorrent.ClientError("something is missing"))
	require.Nil(t, err)
	require.Equal(t, "d14:failure reason20:something is missinge", r.Body.String())
}

func TestWriteAnnounceResponseCompact(t *testing.T) {
	resp := &bittorrent.AnnounceResponse{
		Compact:     true,
		Complete:    1,
		Incomplete:  1,
		Interval:    30 * time.Minute,
		MinInterval: 15 * time.Minute,
		IPv4Peers: []bittorrent.Peer{{
			ID:       bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c1"),
			AddrPort: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 0x1f90),
		}},
	}

	r := httptest.NewRecorder()
	require.Nil(t, WriteAnnounceResponse(r, resp))

	body := r.Body.String()
	require.Contains(t, body, "8:completei1e")
	require.Contains(t, body, "10:incompletei1e")
	require.Contains(t, body, "8:intervali1800e")
	require.Contains(t, body, "12:min intervali900e")
	require.Contains(t, body, "5:peers6:\x0a\x00\x00\x01\x1f\x90")
}

func TestWriteScrapeResponse(t *testing.T) {
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	resp := &bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{{
			InfoHash:   ih,
			Complete:   4,
			Incomplete: 2,
			Snatches:   7,
		}},
	}

	r := httptest.NewRecorder()
	require.Nil(t, WriteScrapeResponse(r, resp))

	body := r.Body.String()
	require.Contains(t, body, "8:completei4e")
	require.Contains(t, body, "10:incompletei2e")
	require.Contains(t, body, "10:downloadedi7e")
}
