// Package torrentapproval implements a Hook that fails an Announce made
// for an infohash missing from an allowlist.
package torrentapproval

import (
	"context"
	"fmt"

	yaml "gopkg.in/yaml.v2"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "torrent approval"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %s", Name, err)
	}

	return NewHook(cfg, NewList())
}

// ErrTorrentUnapproved is the error returned when an announced infohash
// is not on the allowlist.
var ErrTorrentUnapproved = bittorrent.ClientError("info_hash not in the allowed list")

// Config represents the configuration for the torrent approval
// middleware.
//
// Whitelist seeds the allowlist with hex encoded infohashes at startup.
// Additional infohashes can be registered at runtime via the admin API.
type Config struct {
	Whitelist []string `yaml:"whitelist"`
}

type hook struct {
	list *List
}

// NewHook returns an instance of the torrent approval middleware backed
// by the given List.
func NewHook(cfg Config, list *List) (middleware.Hook, error) {
	for _, hashString := range cfg.Whitelist {
		ih, err := bittorrent.InfoHashFromHexString(hashString)
		if err != nil {
			return nil, fmt.Errorf("whitelist: invalid hash %s: %s", hashString, err)
		}
		list.Put(ih, Torrent{})
	}

	return &hook{list: list}, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.list.Contains(req.InfoHash) {
		return ctx, ErrTorrentUnapproved
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes don't require any protection.
	return ctx, nil
}
