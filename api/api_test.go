package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"github.com/etracker/etracker/bittorrent"
	"github.com/etracker/etracker/middleware/torrentapproval"
	"github.com/etracker/etracker/storage"
	_ "github.com/etracker/etracker/storage/memory"
)

const testAuthorization = "test-secret"

func testServer(t *testing.T) (*Server, *torrentapproval.List, storage.PeerStore) {
	t.Helper()

	ps, err := storage.NewPeerStore("memory", []byte("{}"))
	require.NoError(t, err)
	t.Cleanup(func() { ps.Stop().Wait() })

	list := torrentapproval.NewList()
	s := &Server{
		cfg: Config{
			Authorization: testAuthorization,
			AnnounceURL:   "http://tracker.example.com/announce",
		},
		list:  list,
		store: ps,
	}

	return s, list, ps
}

func doRequest(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.handler().ServeHTTP(w, r)
	return w
}

func TestRestrictedRequiresAuthorization(t *testing.T) {
	s, _, _ := testServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/infohash", nil)
	w := doRequest(s, r)
	require.Equal(t, http.StatusBadRequest, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/api/infohash", nil)
	r.Header.Set("Authorization", "wrong")
	w = doRequest(s, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRestrictedDisabledWithoutSecret(t *testing.T) {
	s, _, _ := testServer(t)
	s.cfg.Authorization = ""

	r := httptest.NewRequest(http.MethodPost, "/api/infohash", nil)
	r.Header.Set("Authorization", "anything")
	w := doRequest(s, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestPostAndDeleteInfohash(t *testing.T) {
	s, list, _ := testServer(t)

	body, err := json.Marshal(InfohashPost{
		InfoHash: []byte("00000000000000000001"),
		Name:     "test torrent",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/infohash", bytes.NewReader(body))
	r.Header.Set("Authorization", testAuthorization)
	w := doRequest(s, r)
	require.Equal(t, http.StatusCreated, w.Code)

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	require.True(t, list.Contains(ih))

	// Posting the same infohash again is rejected.
	r = httptest.NewRequest(http.MethodPost, "/api/infohash", bytes.NewReader(body))
	r.Header.Set("Authorization", testAuthorization)
	w = doRequest(s, r)
	require.Equal(t, http.StatusBadRequest, w.Code)

	r = httptest.NewRequest(http.MethodDelete, "/api/infohash/"+ih.String(), nil)
	r.Header.Set("Authorization", testAuthorization)
	w = doRequest(s, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, list.Contains(ih))

	r = httptest.NewRequest(http.MethodDelete, "/api/infohash/"+ih.String(), nil)
	r.Header.Set("Authorization", testAuthorization)
	w = doRequest(s, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostInfohashRejectsShortHash(t *testing.T) {
	s, _, _ := testServer(t)

	body, err := json.Marshal(InfohashPost{InfoHash: []byte("too short"), Name: "bad"})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/infohash", bytes.NewReader(body))
	r.Header.Set("Authorization", testAuthorization)
	w := doRequest(s, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	s, list, ps := testServer(t)

	ih := bittorrent.InfoHashFromString("00000000000000000002")
	list.Put(ih, torrentapproval.Torrent{Name: "stats torrent"})

	seeder := bittorrent.Peer{
		ID:       bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c1"),
		AddrPort: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 6881),
	}
	leecher := bittorrent.Peer{
		ID:       bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c2"),
		AddrPort: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), 6881),
	}
	require.NoError(t, ps.PutSeeder(ih, seeder))
	require.NoError(t, ps.PutLeecher(ih, leecher))

	w := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats GlobalStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, GlobalStats{Hashcount: 1, Seeders: 1, Leechers: 1}, stats)

	w = doRequest(s, httptest.NewRequest(http.MethodGet, "/api/infohashes", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var infohashes []InfohashStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infohashes))
	require.Len(t, infohashes, 1)
	require.Equal(t, "stats torrent", infohashes[0].Name)
	require.Equal(t, 1, infohashes[0].Seeders)
	require.Equal(t, 1, infohashes[0].Leechers)
}

func marshalTestTorrent(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	err := bencode.Marshal(&buf, map[string]interface{}{
		"announce": "http://other.example.com/announce",
		"info": map[string]interface{}{
			"name":         "upload test",
			"length":       int64(12345),
			"piece length": int64(16384),
			"pieces":       "aaaaaaaaaaaaaaaaaaaa",
		},
	})
	require.NoError(t, err)
	return buf.Bytes()
}

func TestTorrentFileRoundTrip(t *testing.T) {
	s, list, _ := testServer(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "upload.torrent")
	require.NoError(t, err)
	_, err = fw.Write(marshalTestTorrent(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/torrentfile", &body)
	r.Header.Set("Authorization", testAuthorization)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := doRequest(s, r)
	require.Equal(t, http.StatusCreated, w.Code)

	hashes := list.Hashes()
	require.Len(t, hashes, 1)

	stored, ok := list.Get(hashes[0])
	require.True(t, ok)
	require.Equal(t, "upload test", stored.Name)
	require.Equal(t, int64(12345), stored.Length)
	require.NotEmpty(t, stored.File)

	// The stored copy must not leak the foreign announce URL.
	storedData, err := bencode.Decode(bytes.NewReader(stored.File))
	require.NoError(t, err)
	require.Equal(t, "", storedData.(map[string]interface{})["announce"])
	require.Equal(t, int64(1), storedData.(map[string]interface{})["info"].(map[string]interface{})["private"])

	r = httptest.NewRequest(http.MethodGet, "/api/torrentfile/"+hex.EncodeToString(hashes[0][:]), nil)
	r.Header.Set("Authorization", testAuthorization)
	w = doRequest(s, r)
	require.Equal(t, http.StatusOK, w.Code)

	served, err := bencode.Decode(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	require.Equal(t, s.cfg.AnnounceURL, served.(map[string]interface{})["announce"])
}

func TestGetTorrentFileUnknownHash(t *testing.T) {
	s, _, _ := testServer(t)

	r := httptest.NewRequest(http.MethodGet, "/api/torrentfile/"+hex.EncodeToString(bytes.Repeat([]byte{0xab}, 20)), nil)
	r.Header.Set("Authorization", testAuthorization)
	w := doRequest(s, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
