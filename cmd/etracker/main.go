package main

import (
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/etracker/etracker/api"
	httpfrontend "github.com/etracker/etracker/frontend/http"
	"github.com/etracker/etracker/middleware"
	_ "github.com/etracker/etracker/middleware/clientapproval"
	"github.com/etracker/etracker/middleware/peerallocation"
	"github.com/etracker/etracker/middleware/torrentapproval"
	"github.com/etracker/etracker/pkg/log"
	"github.com/etracker/etracker/pkg/prometheus"
	"github.com/etracker/etracker/pkg/stop"
	"github.com/etracker/etracker/storage"
	_ "github.com/etracker/etracker/storage/memory"
	_ "github.com/etracker/etracker/storage/redis"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	peerStore      storage.PeerStore
	logic          *middleware.Logic
	sg             *stop.Group
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{configFilePath: configFilePath}
	return r, r.Start()
}

// Start begins an instance of the tracker.
func (r *Run) Start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}
	cfg := configFile.Config

	r.sg = stop.NewGroup()

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		r.sg.Add(prometheus.NewServer(cfg.MetricsAddr))
	}

	storageCfgBytes, err := yaml.Marshal(cfg.Storage.Config)
	if err != nil {
		return errors.Wrap(err, "failed to remarshal storage config")
	}
	r.peerStore, err = storage.NewPeerStore(cfg.Storage.Name, storageCfgBytes)
	if err != nil {
		return errors.Wrap(err, "failed to create storage")
	}

	var preHooks []middleware.Hook

	list := torrentapproval.NewList()
	if cfg.TorrentApproval.Enabled {
		approvalHook, err := torrentapproval.NewHook(cfg.TorrentApproval.Config, list)
		if err != nil {
			return errors.Wrap(err, "failed to create torrent approval middleware")
		}
		preHooks = append(preHooks, approvalHook)
	}

	allocationHook, err := peerallocation.NewHook(cfg.PeerAllocation, r.peerStore)
	if err != nil {
		return errors.Wrap(err, "failed to create peer allocation middleware")
	}
	preHooks = append(preHooks, allocationHook)

	extraPreHooks, err := middleware.HooksFromHookConfigs(cfg.PreHooks)
	if err != nil {
		return errors.Wrap(err, "failed to validate hook config")
	}
	preHooks = append(preHooks, extraPreHooks...)

	postHooks, err := middleware.HooksFromHookConfigs(cfg.PostHooks)
	if err != nil {
		return errors.Wrap(err, "failed to validate hook config")
	}

	r.logic = middleware.NewLogic(cfg.ResponseConfig, r.peerStore, preHooks, postHooks)

	if cfg.HTTPConfig.Addr != "" {
		log.Info("starting HTTP frontend", cfg.HTTPConfig)
		httpfe, err := httpfrontend.NewFrontend(r.logic, cfg.HTTPConfig)
		if err != nil {
			return errors.Wrap(err, "failed to create HTTP frontend")
		}
		r.sg.Add(httpfe)
	}

	if cfg.APIConfig.Addr != "" {
		log.Info("starting admin API", cfg.APIConfig)
		r.sg.Add(api.NewServer(cfg.APIConfig, list, r.peerStore))
	}

	return nil
}

// Stop shuts down an instance of the tracker.
func (r *Run) Stop() error {
	log.Debug("stopping frontends and metrics server")
	if errs := r.sg.Stop().Wait(); len(errs) != 0 {
		for _, err := range errs {
			log.Error("failed while shutting down frontends", log.Err(err))
		}
		return errors.New("failed while shutting down frontends")
	}

	log.Debug("stopping logic")
	if errs := r.logic.Stop().Wait(); len(errs) != 0 {
		for _, err := range errs {
			log.Error("failed while shutting down middleware", log.Err(err))
		}
		return errors.New("failed while shutting down middleware")
	}

	log.Debug("stopping peer store")
	if errs := r.peerStore.Stop().Wait(); len(errs) != 0 {
		for _, err := range errs {
			log.Error("failed while shutting down peer store", log.Err(err))
		}
		return errors.New("failed while shutting down peer store")
	}

	return nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of
// the tracker and handles the process lifecycle.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return r.Stop()
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	noColors, err := cmd.Flags().GetBool("nocolors")
	if err != nil {
		return err
	}
	if noColors {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Debug("debug logging enabled")
	}

	cpuProfilePath, err := cmd.Flags().GetString("cpuprofile")
	if err != nil {
		return err
	}
	if cpuProfilePath != "" {
		log.Info("enabled CPU profiling", log.Fields{"path": cpuProfilePath})
		f, err := os.Create(cpuProfilePath)
		if err != nil {
			return err
		}
		return pprof.StartCPUProfile(f)
	}

	return nil
}

// RootPostRunCmdFunc handles clean up of any state initialized by
// command line flags.
func RootPostRunCmdFunc(cmd *cobra.Command, args []string) error {
	// StopCPUProfile is a no-op when profiling was never started.
	pprof.StopCPUProfile()
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:                "etracker",
		Short:              "BitTorrent Tracker",
		Long:               "A private BitTorrent tracker that rations peers by seed supply",
		PersistentPreRunE:  RootPreRunCmdFunc,
		RunE:               RootRunCmdFunc,
		PersistentPostRunE: RootPostRunCmdFunc,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	rootCmd.PersistentFlags().Bool("nocolors", false, "disable log coloring")
	rootCmd.PersistentFlags().String("cpuprofile", "", "location to save a CPU profile")
	rootCmd.Flags().String("config", "/etc/etracker.yaml", "location of configuration file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
