package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/leravalera4/rps-game/rpsgame"
)

func dialWS(t *testing.T, srv *httptest.Server, wallet string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?wallet=" + wallet
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestReconnectDoesNotForfeit(t *testing.T) {
	h := newCoordHarness(t)
	gw := NewGateway(slog.Disabled)
	gw.Bind(h.coord)
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	defer srv.Close()

	view := h.createAndJoin(t, rpsgame.CurrencyPoints, 100)
	require.Equal(t, "playing", view.Status)

	ws1 := dialWS(t, srv, walletA)
	defer ws1.Close()
	// The second dial replaces the first connection; the gateway closes
	// ws1's server side, whose teardown must not read as the player
	// leaving.
	ws2 := dialWS(t, srv, walletA)

	require.Never(t, func() bool {
		v, err := h.coord.SessionView(view.ID)
		return err != nil || v.Status != "playing"
	}, 300*time.Millisecond, 20*time.Millisecond, "replaced connection forfeited the match")

	// Dropping the live connection is a real disconnect and forfeits.
	ws2.Close()
	waitStatus(t, h, view.ID, "game-over")

	final, err := h.coord.SessionView(view.ID)
	require.NoError(t, err)
	require.Equal(t, playerB, final.WinnerID)
	require.Equal(t, rpsgame.WinReasonOpponentQuit, final.WinReason)
}
