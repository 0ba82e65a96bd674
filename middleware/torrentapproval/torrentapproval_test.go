package torrentapproval

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etracker/etracker/bittorrent"
)

var cases = []struct {
	cfg      Config
	ih       string
	approved bool
}{
	// Infohashes from the whitelist are approved.
	{
		Config{Whitelist: []string{"3532cf2d327fad8448c075b4cb42c8136964a435"}},
		"3532cf2d327fad8448c075b4cb42c8136964a435",
		true,
	},
	{
		Config{Whitelist: []string{"3532cf2d327fad8448c075b4cb42c8136964a435"}},
		"4532cf2d327fad8448c075b4cb42c8136964a435",
		false,
	},
	// An empty allowlist approves nothing.
	{
		Config{},
		"3532cf2d327fad8448c075b4cb42c8136964a435",
		false,
	},
}

func TestHandleAnnounce(t *testing.T) {
	for _, tt := range cases {
		t.Run("hash: "+tt.ih, func(t *testing.T) {
			h, err := NewHook(tt.cfg, NewList())
			require.NoError(t, err)

			decoded, err := hex.DecodeString(tt.ih)
			require.NoError(t, err)

			req := &bittorrent.AnnounceRequest{InfoHash: bittorrent.InfoHashFromBytes(decoded)}
			_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
			if tt.approved {
				require.NotEqual(t, err, ErrTorrentUnapproved)
			} else {
				require.Equal(t, err, ErrTorrentUnapproved)
			}
		})
	}
}

func TestRuntimeRegistration(t *testing.T) {
	list := NewList()
	h, err := NewHook(Config{}, list)
	require.NoError(t, err)

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	req := &bittorrent.AnnounceRequest{InfoHash: ih}

	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.Equal(t, err, ErrTorrentUnapproved)

	// Registering the infohash through the shared list takes effect
	// without restarting the hook.
	list.Put(ih, Torrent{Name: "test"})
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.NoError(t, err)

	require.True(t, list.Delete(ih))
	_, err = h.HandleAnnounce(context.Background(), req, &bittorrent.AnnounceResponse{})
	require.Equal(t, err, ErrTorrentUnapproved)
}

func TestInvalidWhitelistEntry(t *testing.T) {
	_, err := NewHook(Config{Whitelist: []string{"not-hex"}}, NewList())
	require.Error(t, err)
}
