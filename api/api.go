// Package api implements the admin REST API used to manage the
// infohash allowlist and inspect tracker statistics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/etracker/etracker/middleware/torrentapproval"
	"github.com/etracker/etracker/pkg/log"
	"github.com/etracker/etracker/pkg/stop"
	"github.com/etracker/etracker/storage"
)

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
}

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "etracker_api_response_duration_milliseconds",
		Help:    "The duration of time it takes to receive and write a response to an admin API request",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	},
	[]string{"action"},
)

// Config represents the configuration for the admin API server.
//
// An empty Authorization disables every restricted endpoint.
// AnnounceURL is the announce location written into torrent files served
// back to administrators.
type Config struct {
	Addr          string        `yaml:"addr"`
	Authorization string        `yaml:"authorization"`
	AnnounceURL   string        `yaml:"announce_url"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// LogFields renders the current config as a set of log fields.
//
// The authorization secret is deliberately not logged.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":         cfg.Addr,
		"announceURL":  cfg.AnnounceURL,
		"readTimeout":  cfg.ReadTimeout,
		"writeTimeout": cfg.WriteTimeout,
	}
}

// MessageJSON is the envelope used for API status responses.
type MessageJSON struct {
	Message string `json:"message"`
}

// GlobalStats summarizes the whole tracker for the stats endpoint.
type GlobalStats struct {
	Hashcount int `json:"hashcount"`
	Seeders   int `json:"seeders"`
	Leechers  int `json:"leechers"`
}

// InfohashStats summarizes one tracked infohash.
type InfohashStats struct {
	Name       string `json:"name"`
	Downloaded int    `json:"downloaded"`
	Seeders    int    `json:"seeders"`
	Leechers   int    `json:"leechers"`
	InfoHash   []byte `json:"info_hash"`
}

// InfohashPost is the request body for registering a bare infohash.
type InfohashPost struct {
	InfoHash []byte `json:"info_hash"`
	Name     string `json:"name"`
}

// Server serves the admin API.
type Server struct {
	cfg   Config
	list  *torrentapproval.List
	store storage.PeerStore
	srv   *http.Server
}

// NewServer builds and starts an admin API server mutating the given
// allowlist and reading swarm statistics from the given store.
func NewServer(cfg Config, list *torrentapproval.List, store storage.PeerStore) *Server {
	s := &Server{
		cfg:   cfg,
		list:  list,
		store: store,
	}

	go func() {
		if err := s.listenAndServe(); err != nil {
			log.Fatal("failed while serving admin api", log.Err(err))
		}
	}()

	return s
}

// Stop provides a thread-safe way to shutdown a currently running
// Server.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Done(s.srv.Shutdown(ctx))
	}()

	return c.Result()
}

func (s *Server) handler() http.Handler {
	router := httprouter.New()
	router.GET("/api/stats", s.instrument("stats", s.statsRoute))
	router.GET("/api/infohashes", s.instrument("infohashes", s.infohashesRoute))
	router.POST("/api/infohash", s.instrument("post_infohash", s.restricted(s.postInfohashRoute)))
	router.DELETE("/api/infohash/:infohash", s.instrument("delete_infohash", s.restricted(s.deleteInfohashRoute)))
	router.POST("/api/torrentfile", s.instrument("post_torrentfile", s.restricted(s.postTorrentFileRoute)))
	router.GET("/api/torrentfile/:infohash", s.instrument("get_torrentfile", s.restricted(s.getTorrentFileRoute)))
	return router
}

func (s *Server) listenAndServe() error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) instrument(action string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		defer func() {
			promResponseDurationMilliseconds.
				WithLabelValues(action).
				Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
		}()

		next(w, r, ps)
	}
}

// restricted wraps a route with the authorization check. An empty
// configured secret forbids access entirely.
func (s *Server) restricted(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.cfg.Authorization == "" {
			writeError(w, http.StatusForbidden, "error: restricted API access disabled")
			return
		}

		authorization := r.Header.Get("Authorization")
		if authorization == "" {
			writeError(w, http.StatusBadRequest, "error: restricted API request with empty authorization header")
			return
		}

		if subtle.ConstantTimeCompare([]byte(authorization), []byte(s.cfg.Authorization)) != 1 {
			writeError(w, http.StatusForbidden, "error: invalid authorization")
			return
		}

		next(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("api: failed to write response", log.Err(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	log.Debug("api: request rejected", log.Fields{"reason": msg})
	writeJSON(w, code, MessageJSON{Message: msg})
}
