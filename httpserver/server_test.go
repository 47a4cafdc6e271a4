package httpserver

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/bootstrap"
	"github.com/ruteri/masterpad-provisioning-backend/entropy"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/padstore"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
	"github.com/ruteri/masterpad-provisioning-backend/storage"
	"github.com/ruteri/masterpad-provisioning-backend/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nodeEnv struct {
	net   *transport.Network
	addrs []interfaces.PeerAddress
	nodes []*protocol.Node
}

// buildNodes assembles a group of offline protocol nodes sharing one
// in-memory network, the same way the daemon wires them.
func buildNodes(t *testing.T, count int, mutate func(m interfaces.MemberID, cfg *protocol.Config)) *nodeEnv {
	t.Helper()
	env := &nodeEnv{net: transport.NewNetwork()}
	for m := interfaces.MemberID(1); int(m) <= count; m++ {
		env.addrs = append(env.addrs, env.net.Address(m))
	}

	for m := interfaces.MemberID(1); int(m) <= count; m++ {
		id, err := bootstrap.NewIdentity(m, rand.Reader)
		require.NoError(t, err)

		blocks, err := padstore.Open(t.TempDir(), bytes.Repeat([]byte{0x42}, 32))
		require.NoError(t, err)
		t.Cleanup(func() { blocks.Close() })

		collector, err := entropy.NewCollector(testLogger(), entropy.SystemSource{})
		require.NoError(t, err)

		cfg := protocol.Config{
			Log:               testLogger(),
			Identity:          id,
			Discovery:         bootstrap.NewDiscovery(testLogger(), env.addrs, "", ""),
			Dialer:            env.net.Dialer(m),
			Listen:            func() (interfaces.Listener, error) { return env.net.Listen(m) },
			Collector:         collector,
			Blocks:            blocks,
			ShareStore:        storage.NewMemStore(testLogger()),
			ManifestPath:      filepath.Join(t.TempDir(), "manifest.json"),
			HeartbeatInterval: 50 * time.Millisecond,
		}
		if mutate != nil {
			mutate(m, &cfg)
		}

		node, err := protocol.New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { node.Close() })
		env.nodes = append(env.nodes, node)
	}
	return env
}

// newTestServer wires the full router around a node and serves it from an
// httptest listener.
func newTestServer(t *testing.T, node *protocol.Node, adminKeys map[string][]byte) *httptest.Server {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		ListenAddr:    "127.0.0.1:0",
		Log:           testLogger(),
		DrainDuration: 10 * time.Millisecond,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  30 * time.Second,
	}, NewHandler(node, testLogger()), NewAdminHandler(testLogger(), node, adminKeys))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)
	return ts
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthEndpoints(t *testing.T) {
	env := buildNodes(t, 1, nil)
	ts := newTestServer(t, env.nodes[0], nil)

	code, body := getBody(t, ts.URL+"/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"status":"alive"}`, body)

	code, body = getBody(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"status":"ready"}`, body)

	code, body = getBody(t, ts.URL+"/drain")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"status":"draining"}`, body)

	code, body = getBody(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code, "a draining server is not ready")
	assert.Equal(t, `{"status":"not ready"}`, body)

	code, body = getBody(t, ts.URL+"/drain")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"status":"already draining"}`, body)

	code, body = getBody(t, ts.URL+"/undrain")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"status":"ready"}`, body)

	code, body = getBody(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `{"status":"ready"}`, body)
}

func TestStatusEndpoint(t *testing.T) {
	env := buildNodes(t, 1, nil)
	ts := newTestServer(t, env.nodes[0], nil)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st protocol.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "offline", st.State)
	assert.Equal(t, interfaces.MemberID(1), st.Member)
	assert.Zero(t, st.Epoch)
	assert.Zero(t, st.TotalBytes)
}

func TestPadCollectorsRegistered(t *testing.T) {
	env := buildNodes(t, 1, nil)
	srv, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        testLogger(),
	}, NewHandler(env.nodes[0], testLogger()), NewAdminHandler(testLogger(), env.nodes[0], nil))
	require.NoError(t, err)

	families, err := srv.metricsSrv.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["masterpad_pad_remaining_bytes"], "pad budget gauge should be registered")
	assert.True(t, names["masterpad_pad_total_bytes"], "pad size gauge should be registered")
	assert.True(t, names["masterpad_pad_epoch"], "epoch gauge should be registered")
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid state", interfaces.ErrInvalidState, http.StatusConflict},
		{"invalid threshold", interfaces.ErrInvalidThreshold, http.StatusBadRequest},
		{"invalid share", interfaces.ErrInvalidShare, http.StatusBadRequest},
		{"lockdown", interfaces.ErrSecurityLockdown, http.StatusGone},
		{"destroyed", interfaces.ErrPadDestroyed, http.StatusGone},
		{"unknown", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusForError(tc.err))
		})
	}
}
