package playback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-playback/internal/cache"
	"hls-playback/internal/connectivity"
	"hls-playback/internal/platform/logger"
	"hls-playback/internal/player"
	"hls-playback/internal/playlist"
	"hls-playback/internal/prefetch"
	"hls-playback/internal/runtime/headless"
)

type testEnv struct {
	origin   *httptest.Server
	svc      *Service
	router   *chi.Mux
	registry *playlist.Registry
	conn     *connectivity.Monitor
}

// newTestEnv wires a Service to an httptest origin through the real fetcher,
// loader and headless runtime.
func newTestEnv(t *testing.T, blockAutoplay bool) *testEnv {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/show/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n")
		for i := range 4 {
			fmt.Fprintf(&b, "#EXTINF:10.0,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		w.Header().Set("Content-Type", playlistContentType)
		w.Write([]byte(b.String()))
	})
	mux.HandleFunc("/show/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".ts") {
			w.Write([]byte("segment"))
			return
		}
		http.NotFound(w, r)
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)

	log := logger.Discard()
	manifests := cache.New[playlist.CachedManifest](cache.Options{Name: "manifest", TTL: cache.ManifestTTL, MaxEntries: cache.ManifestMaxEntries})
	segments := cache.New[[]byte](cache.Options{Name: "segment", TTL: cache.SegmentTTL, MaxEntries: cache.SegmentMaxEntries})
	fetcher, err := playlist.NewFetcher(cache.NewLayered(manifests, nil, playlist.ManifestCodec, log), playlist.FetcherConfig{
		OriginBaseURL: origin.URL,
		Log:           log,
	})
	require.NoError(t, err)
	loader := prefetch.NewLoader(cache.NewLayered(segments, nil, cache.BytesCodec, log), prefetch.LoaderConfig{Log: log})

	env := &testEnv{
		origin:   origin,
		registry: playlist.NewRegistry(),
		conn:     connectivity.NewMonitor(true, log),
	}
	env.svc = NewService(NewInMemoryRepository(), ServiceConfig{
		NewSession: func(id, url string) *player.Session {
			return player.New(id, url, player.Config{
				Fetcher:  fetcher,
				Loader:   loader,
				Registry: env.registry,
				NewRuntime: func() player.Runtime {
					return headless.New(headless.Config{Registry: env.registry, Loader: loader, Log: log})
				},
				NewSink: func() player.MediaSink {
					return headless.NewElement(headless.ElementConfig{Log: log, BlockAutoplay: blockAutoplay})
				},
				Connectivity: env.conn,
				Log:          log,
			})
		},
		Resolver:     fetcher,
		Registry:     env.registry,
		Connectivity: env.conn,
		Log:          log,
	})
	t.Cleanup(env.svc.Shutdown)

	env.router = chi.NewRouter()
	NewHandler(env.svc, log, nil).Routes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	if s, ok := body.(string); ok {
		r = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T, url string) SessionID {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/sessions", CreateSessionRequest{URL: url})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func (e *testEnv) view(t *testing.T, id SessionID) SessionView {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/sessions/"+string(id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (e *testEnv) waitState(t *testing.T, id SessionID, want player.State) SessionView {
	t.Helper()
	var v SessionView
	require.Eventually(t, func() bool {
		v = e.view(t, id)
		return v.State == want.String()
	}, 5*time.Second, 10*time.Millisecond, "state %s", want)
	return v
}

func TestHandler_SessionLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.create(t, env.origin.URL+"/show/playlist.m3u8")

	v := env.waitState(t, id, player.Ready)
	assert.Equal(t, 4, v.Segments)
	assert.Equal(t, 40.0, v.Duration)
	require.NotEmpty(t, v.Handle)

	rec := env.do(t, http.MethodGet, "/manifests/"+v.Handle, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type: got %q", ct)
	}
	assert.Contains(t, rec.Body.String(), "#EXT-X-ENDLIST")
	assert.Contains(t, rec.Body.String(), env.origin.URL+"/show/seg3.ts")

	rec = env.do(t, http.MethodPost, "/sessions/"+string(id)+"/play", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env.waitState(t, id, player.Playing)
	require.Eventually(t, func() bool {
		return env.view(t, id).CurrentTime > 0
	}, 5*time.Second, 20*time.Millisecond, "playhead advances")

	rec = env.do(t, http.MethodPost, "/sessions/"+string(id)+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.waitState(t, id, player.Paused)

	rec = env.do(t, http.MethodPost, "/sessions/"+string(id)+"/seek", SeekRequest{Time: 15})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15.0, env.view(t, id).CurrentTime)

	rec = env.do(t, http.MethodDelete, "/sessions/"+string(id), nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/sessions/"+string(id), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
	assert.Zero(t, env.registry.Len(), "manifest revoked on teardown")
	rec = env.do(t, http.MethodGet, "/manifests/"+v.Handle, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_RootRelativeSource(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.create(t, "/show/playlist.m3u8")
	v := env.waitState(t, id, player.Ready)
	assert.Equal(t, env.origin.URL+"/show/playlist.m3u8", v.URL)
}

func TestHandler_CreateSession_bad_request(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/sessions", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/sessions", CreateSessionRequest{URL: "ftp://cdn.example.com/a.m3u8"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid source, got %d", rec.Code)
	}
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_source", resp.Kind)
	assert.Equal(t, "This track has an invalid source.", resp.Error)
	assert.Zero(t, env.svc.ActiveSessions())
}

func TestHandler_MissingManifestFails(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.create(t, env.origin.URL+"/show/missing.m3u8")

	v := env.waitState(t, id, player.Failed)
	assert.Equal(t, "Audio source not found.", v.LastError)
	assert.Equal(t, "origin_error", v.LastErrorKind)

	rec := env.do(t, http.MethodPost, "/sessions/"+string(id)+"/play", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 playing a failed session, got %d", rec.Code)
	}
}

func TestHandler_AutoplayBlocked(t *testing.T) {
	env := newTestEnv(t, true)
	id := env.create(t, env.origin.URL+"/show/playlist.m3u8")
	env.waitState(t, id, player.Ready)

	rec := env.do(t, http.MethodPost, "/sessions/"+string(id)+"/play", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "browser_policy_blocked", resp.Kind)

	v := env.view(t, id)
	assert.Equal(t, player.Ready.String(), v.State)
	assert.Equal(t, "browser_policy_blocked", v.LastErrorKind)

	rec = env.do(t, http.MethodPost, "/sessions/"+string(id)+"/play", nil)
	require.Equal(t, http.StatusOK, rec.Code, "a retried play counts as the gesture")
	v = env.waitState(t, id, player.Playing)
	assert.Empty(t, v.LastErrorKind)
}

func TestHandler_UnknownSession(t *testing.T) {
	env := newTestEnv(t, false)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/sessions/nope"},
		{http.MethodPost, "/sessions/nope/play"},
		{http.MethodPost, "/sessions/nope/pause"},
		{http.MethodDelete, "/sessions/nope"},
		{http.MethodGet, "/manifests/blob:nope"},
	} {
		rec := env.do(t, tc.method, tc.path, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/sessions/nope/seek", SeekRequest{Time: 1})
	if rec.Code != http.StatusNotFound {
		t.Errorf("seek: expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListSessions(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.create(t, env.origin.URL+"/show/playlist.m3u8")
	b := env.create(t, env.origin.URL+"/show/playlist.m3u8")

	rec := env.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var views []SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	ids := []SessionID{views[0].ID, views[1].ID}
	assert.ElementsMatch(t, []SessionID{a, b}, ids)
}

func TestHandler_Connectivity(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/connectivity", ConnectivityRequest{Online: false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.conn.Online())

	rec = env.do(t, http.MethodGet, "/connectivity", nil)
	var got ConnectivityRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Online)

	rec = env.do(t, http.MethodPost, "/connectivity", "{")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
