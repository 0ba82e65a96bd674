package api

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"net/http"

	"github.com/jackpal/bencode-go"
	"github.com/julienschmidt/httprouter"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/middleware/torrentapproval"
)

// statsRoute reports tracker-wide swarm totals.
func (s *Server) statsRoute(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := GlobalStats{Hashcount: s.list.Len()}
	for _, ih := range s.list.Hashes() {
		for _, v6 := range []bool{false, true} {
			scrape := s.store.ScrapeSwarm(ih, v6)
			stats.Seeders += int(scrape.Complete)
			stats.Leechers += int(scrape.Incomplete)
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// infohashesRoute reports per-infohash swarm statistics.
func (s *Server) infohashesRoute(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	hashes := s.list.Hashes()
	infohashes := make([]InfohashStats, 0, len(hashes))
	for _, ih := range hashes {
		t, _ := s.list.Get(ih)
		stats := InfohashStats{
			Name:     t.Name,
			InfoHash: append([]byte(nil), ih[:]...),
		}
		for _, v6 := range []bool{false, true} {
			scrape := s.store.ScrapeSwarm(ih, v6)
			stats.Seeders += int(scrape.Complete)
			stats.Leechers += int(scrape.Incomplete)
			stats.Downloaded += int(scrape.Snatches)
		}
		infohashes = append(infohashes, stats)
	}

	writeJSON(w, http.StatusOK, infohashes)
}

// postInfohashRoute registers a bare infohash on the allowlist.
func (s *Server) postInfohashRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body InfohashPost
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil || len(body.InfoHash) != 20 {
		writeError(w, http.StatusBadRequest, "error: did not receive valid infohash")
		return
	}

	ih := bittorrent.InfoHashFromBytes(body.InfoHash)
	if s.list.Contains(ih) {
		writeError(w, http.StatusBadRequest, "error: infohash already inserted")
		return
	}

	s.list.Put(ih, torrentapproval.Torrent{Name: body.Name})
	writeJSON(w, http.StatusCreated, MessageJSON{Message: "success"})
}

// deleteInfohashRoute removes an infohash from the allowlist.
func (s *Server) deleteInfohashRoute(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	ih, err := bittorrent.InfoHashFromHexString(ps.ByName("infohash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "error: could not decode hex info_hash")
		return
	}

	if !s.list.Delete(ih) {
		writeError(w, http.StatusBadRequest, "error: infohash not found")
		return
	}

	writeJSON(w, http.StatusOK, MessageJSON{Message: "success"})
}

// postTorrentFileRoute registers an infohash by uploading its torrent
// file. The stored copy has its announce URL stripped and its private
// flag forced on.
func (s *Server) postTorrentFileRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "error: could not process posted file")
		return
	}
	defer file.Close()

	data, err := bencode.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "error: could not decode posted file")
		return
	}

	torrent, ok := data.(map[string]interface{})
	if !ok {
		writeError(w, http.StatusBadRequest, "error: posted file is not a torrent dictionary")
		return
	}
	info, ok := torrent["info"].(map[string]interface{})
	if !ok {
		writeError(w, http.StatusBadRequest, "error: posted file has no info dictionary")
		return
	}

	// Strip out the announce URL and ensure the private flag is set.
	torrent["announce"] = ""
	info["private"] = int64(1)

	name, _ := info["name"].(string)

	var length int64
	if l, ok := info["length"].(int64); ok {
		length = l
	} else if files, ok := info["files"].([]interface{}); ok {
		for _, f := range files {
			if fd, ok := f.(map[string]interface{}); ok {
				if fl, ok := fd["length"].(int64); ok {
					length += fl
				}
			}
		}
	}

	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, info); err != nil {
		writeError(w, http.StatusInternalServerError, "error: could not calculate infohash")
		return
	}
	sum := sha1.Sum(infoBuf.Bytes())
	ih := bittorrent.InfoHashFromBytes(sum[:])

	if s.list.Contains(ih) {
		writeError(w, http.StatusBadRequest, "error: infohash already inserted")
		return
	}

	var torrentFile bytes.Buffer
	if err := bencode.Marshal(&torrentFile, torrent); err != nil {
		writeError(w, http.StatusInternalServerError, "error: could not construct new torrent file")
		return
	}

	s.list.Put(ih, torrentapproval.Torrent{
		Name:   name,
		Length: length,
		File:   torrentFile.Bytes(),
	})

	writeJSON(w, http.StatusCreated, MessageJSON{Message: "success"})
}

// getTorrentFileRoute serves back a stored torrent file with this
// tracker's announce URL filled in.
func (s *Server) getTorrentFileRoute(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	ih, err := bittorrent.InfoHashFromHexString(ps.ByName("infohash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "error: could not decode hex info_hash")
		return
	}

	t, ok := s.list.Get(ih)
	if !ok || len(t.File) == 0 {
		writeError(w, http.StatusBadRequest, "error: no matching infohash with stored torrent file")
		return
	}

	data, err := bencode.Decode(bytes.NewReader(t.File))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error: unable to decode stored torrent file")
		return
	}

	torrent, ok := data.(map[string]interface{})
	if !ok {
		writeError(w, http.StatusInternalServerError, "error: stored torrent file is malformed")
		return
	}
	torrent["announce"] = s.cfg.AnnounceURL

	var torrentFile bytes.Buffer
	if err := bencode.Marshal(&torrentFile, torrent); err != nil {
		writeError(w, http.StatusInternalServerError, "error: could not construct new torrent file")
		return
	}

	w.Header().Set("Content-Type", "application/x-bittorrent")
	if _, err := w.Write(torrentFile.Bytes()); err != nil {
		writeError(w, http.StatusInternalServerError, "error: could not send torrent file")
	}
}
