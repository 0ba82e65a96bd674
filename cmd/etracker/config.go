package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/etracker/etracker/api"
	httpfrontend "github.com/etracker/etracker/frontend/http"
	"github.com/etracker/etracker/middleware"
	"github.com/etracker/etracker/middleware/peerallocation"
	"github.com/etracker/etracker/middleware/torrentapproval"
)

type storageConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

type torrentApprovalConfig struct {
	Enabled                bool `yaml:"enabled"`
	torrentapproval.Config `yaml:",inline"`
}

// Config represents the configuration used for executing the tracker.
type Config struct {
	middleware.ResponseConfig `yaml:",inline"`

	MetricsAddr     string                  `yaml:"metrics_addr"`
	HTTPConfig      httpfrontend.Config     `yaml:"http"`
	APIConfig       api.Config              `yaml:"api"`
	Storage         storageConfig           `yaml:"storage"`
	PeerAllocation  peerallocation.Config   `yaml:"peer_allocation"`
	TorrentApproval torrentApprovalConfig   `yaml:"torrent_approval"`
	PreHooks        []middleware.HookConfig `yaml:"prehooks"`
	PostHooks       []middleware.HookConfig `yaml:"posthooks"`
}

// ConfigFile represents a namespaced YAML configuration file.
type ConfigFile struct {
	Config Config `yaml:"etracker"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
