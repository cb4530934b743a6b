package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"lendpool/native/lending"
)

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1)
	updates, cancel := hub.Subscribe()
	require.Equal(t, 1, hub.Subscribers())

	ev := lending.Deposit{User: common.HexToAddress(aliceHex), Asset: common.HexToAddress(usdcHex), Amount: uint256.NewInt(5)}
	hub.Emit(ev)
	hub.Emit(ev)

	rec := <-updates
	require.Equal(t, lending.TypeDeposit, rec.Type)
	select {
	case <-updates:
		t.Fatal("expected second event to be dropped")
	default:
	}

	cancel()
	cancel()
	require.Equal(t, 0, hub.Subscribers())
}

func TestStreamDeliversFilteredEvents(t *testing.T) {
	hub := NewHub(8)
	h := newTestServer(t, &fakeEngine{}, func(o *Options) { o.Hub = hub })
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?type=" + lending.TypeBorrow
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	user, asset := common.HexToAddress(aliceHex), common.HexToAddress(usdcHex)
	hub.Emit(lending.Deposit{User: user, Asset: asset, Amount: uint256.NewInt(1)})
	hub.Emit(lending.Borrow{User: user, Asset: asset, Amount: uint256.NewInt(7)})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var rec lending.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, lending.TypeBorrow, rec.Type)
	require.Equal(t, "7", rec.Attributes["amount"])

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
