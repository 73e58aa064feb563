package cli

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/xdcshop/internal/catalog"
	"github.com/roach88/xdcshop/internal/protocol"
	"github.com/roach88/xdcshop/internal/transport"
)

// startRelay serves newRelay over httptest and returns its websocket URL.
func startRelay(t *testing.T, items []catalog.Item, serve bool) string {
	t.Helper()
	srv := httptest.NewServer(newRelay(items, serve))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// listen dials url and returns decoded deliveries after since.
func listen(t *testing.T, url string) (*transport.WebSocket, <-chan protocol.Message) {
	t.Helper()
	ws, err := transport.DialWebSocket(context.Background(), url, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	ch := make(chan protocol.Message, 16)
	err = ws.SetUpdateListener(context.Background(), func(rm protocol.ReceivedMessage) {
		msg, err := protocol.Decode(rm)
		if err == nil {
			ch <- msg
		}
	}, 0)
	require.NoError(t, err)
	return ws, ch
}

func nextMessage(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for relay")
		return protocol.Message{}
	}
}

func send(t *testing.T, ws *transport.WebSocket, req protocol.Request) {
	t.Helper()
	payload, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, ws.SendUpdate(context.Background(), protocol.StatusUpdate{Payload: payload, Descr: req.Describe()}))
}

func TestRelay_AnswersRefresh(t *testing.T) {
	url := startRelay(t, []catalog.Item{app(1, "Poll", "alice"), app(2, "Chess", "bob")}, true)
	ws, ch := listen(t, url)

	send(t, ws, protocol.Request{RequestID: "r1", Update: &protocol.UpdateRequest{Serial: 0}})

	echo := nextMessage(t, ch)
	assert.Equal(t, protocol.KindRequest, echo.Kind)
	assert.Equal(t, int64(1), echo.Serial)

	answer := nextMessage(t, ch)
	require.Equal(t, protocol.KindCatalogUpdate, answer.Kind)
	assert.Equal(t, int64(2), answer.Serial)
	assert.Equal(t, int64(1), answer.Update.Serial)
	require.Len(t, answer.Update.AppInfos, 2)
	assert.Equal(t, catalog.ItemID(1), answer.Update.AppInfos[0].ID)
}

func TestRelay_UpToDateRefreshIsEmpty(t *testing.T) {
	url := startRelay(t, []catalog.Item{app(1, "Poll", "alice")}, true)
	ws, ch := listen(t, url)

	send(t, ws, protocol.Request{RequestID: "r1", Update: &protocol.UpdateRequest{Serial: 1}})

	nextMessage(t, ch)
	answer := nextMessage(t, ch)
	require.Equal(t, protocol.KindCatalogUpdate, answer.Kind)
	assert.Equal(t, int64(1), answer.Update.Serial)
	assert.Empty(t, answer.Update.AppInfos)
}

func TestRelay_AnswersDownload(t *testing.T) {
	url := startRelay(t, []catalog.Item{app(1, "Poll", "alice")}, true)
	ws, ch := listen(t, url)

	send(t, ws, protocol.Request{RequestID: "r1", Download: &protocol.DownloadRequest{AppID: 1}})
	nextMessage(t, ch)
	answer := nextMessage(t, ch)
	require.Equal(t, protocol.KindDownloadResult, answer.Kind)
	assert.Equal(t, protocol.DownloadResult{ID: 1, Okay: true}, *answer.Download)

	send(t, ws, protocol.Request{RequestID: "r2", Download: &protocol.DownloadRequest{AppID: 9}})
	nextMessage(t, ch)
	answer = nextMessage(t, ch)
	require.Equal(t, protocol.KindDownloadResult, answer.Kind)
	assert.Equal(t, protocol.DownloadResult{ID: 9, Okay: false}, *answer.Download)
}

func TestRelay_PlainHubOnlyEchoes(t *testing.T) {
	url := startRelay(t, nil, false)
	ws, ch := listen(t, url)

	send(t, ws, protocol.Request{RequestID: "r1", Update: &protocol.UpdateRequest{Serial: 0}})
	send(t, ws, protocol.Request{RequestID: "r2", Update: &protocol.UpdateRequest{Serial: 0}})

	assert.Equal(t, "r1", nextMessage(t, ch).Request.RequestID)
	assert.Equal(t, "r2", nextMessage(t, ch).Request.RequestID)

	select {
	case m := <-ch:
		t.Fatalf("unexpected delivery: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_infos:
  - id: 3
    name: Poll
    author_name: alice
    version: "1.2"
  - id: 4
    name: Chess
`), 0644))

	items, err := loadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, catalog.ItemID(3), items[0].ID)
	assert.Equal(t, "1.2", catalog.Text(items[0].Version))
	assert.Nil(t, items[1].Version)
}

func TestLoadCatalogFile_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apps:\n  - id: 1\n"), 0644))

	_, err := loadCatalogFile(path)
	require.Error(t, err)
}

func TestLoadCatalogFile_Missing(t *testing.T) {
	_, err := loadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
