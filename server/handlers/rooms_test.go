package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/stakematch/arena/onchain"
	"github.com/stakematch/arena/server/settlement"
)

func syncRequest(t *testing.T, roomPDA, sessionWallet string) *http.Request {
	t.Helper()
	buf, err := json.Marshal(RoomSyncRequest{RoomPDA: roomPDA})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/rooms/sync", bytes.NewReader(buf))
	return withSessionWallet(req, sessionWallet)
}

func TestArena_Handlers_RoomSync(t *testing.T) {
	t.Parallel()

	roomPDA := solana.NewWallet().PublicKey()
	creator := solana.NewWallet().PublicKey()
	opponent := solana.NewWallet().PublicKey()
	startedRoom := onchain.Room{
		RoomID:        1724117025123009,
		Creator:       creator,
		GameType:      onchain.GameTypeRanked,
		MaxPlayers:    2,
		PlayerCount:   2,
		Status:        onchain.RoomStatusStarted,
		StakeLamports: 25_000_000,
		Players:       []solana.PublicKey{creator, opponent},
	}

	t.Run("first sync mirrors the ledger row", func(t *testing.T) {
		t.Parallel()
		sync := &fakeSyncStore{}
		h := newTestSettlementWith(t, settlementFakes{
			ledger: &fakeLedger{room: startedRoom},
			sync:   sync,
		}, "")

		rec := httptest.NewRecorder()
		h.RoomSync(rec, syncRequest(t, roomPDA.String(), creator.String()))

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, sync.upserted)
		require.Equal(t, roomPDA.String(), sync.upserted.RoomPDA)
		require.Equal(t, settlement.StatusActive, sync.upserted.Status)
		require.Equal(t, []string{creator.String(), opponent.String()}, sync.upserted.Players)
		require.Equal(t, creator.String(), sync.upserted.Creator)
		require.Zero(t, sync.touched)

		var resp RoomSyncResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, settlement.StatusActive, resp.Status)
		require.Equal(t, 2, resp.Players)
	})

	t.Run("unchanged room only records activity", func(t *testing.T) {
		t.Parallel()
		sync := &fakeSyncStore{session: &settlement.GameSession{
			RoomPDA: roomPDA.String(),
			Status:  settlement.StatusActive,
			Players: []string{creator.String(), opponent.String()},
		}}
		h := newTestSettlementWith(t, settlementFakes{
			ledger: &fakeLedger{room: startedRoom},
			sync:   sync,
		}, "")

		rec := httptest.NewRecorder()
		h.RoomSync(rec, syncRequest(t, roomPDA.String(), opponent.String()))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 1, sync.touched)
		require.Nil(t, sync.upserted)
	})

	t.Run("status change rewrites the row", func(t *testing.T) {
		t.Parallel()
		sync := &fakeSyncStore{session: &settlement.GameSession{
			RoomPDA: roomPDA.String(),
			Status:  settlement.StatusWaiting,
			Players: []string{creator.String(), opponent.String()},
		}}
		h := newTestSettlementWith(t, settlementFakes{
			ledger: &fakeLedger{room: startedRoom},
			sync:   sync,
		}, "")

		rec := httptest.NewRecorder()
		h.RoomSync(rec, syncRequest(t, roomPDA.String(), creator.String()))

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, sync.upserted)
		require.Equal(t, settlement.StatusActive, sync.upserted.Status)
	})

	t.Run("non-participant is rejected", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlementWith(t, settlementFakes{
			ledger: &fakeLedger{room: startedRoom},
		}, "")

		stranger := solana.NewWallet().PublicKey().String()
		rec := httptest.NewRecorder()
		h.RoomSync(rec, syncRequest(t, roomPDA.String(), stranger))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing room", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlementWith(t, settlementFakes{
			ledger: &fakeLedger{err: settlement.ErrRoomNotFound},
		}, "")

		rec := httptest.NewRecorder()
		h.RoomSync(rec, syncRequest(t, roomPDA.String(), creator.String()))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid room address", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlementWith(t, settlementFakes{}, "")

		rec := httptest.NewRecorder()
		h.RoomSync(rec, syncRequest(t, "not-a-pda", creator.String()))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestArena_Handlers_MirrorStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status onchain.RoomStatus
		want   string
	}{
		{onchain.RoomStatusOpen, settlement.StatusWaiting},
		{onchain.RoomStatusStarted, settlement.StatusActive},
		{onchain.RoomStatusFinished, settlement.StatusFinished},
		{onchain.RoomStatusCancelled, settlement.StatusCancelled},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, mirrorStatus(tc.status))
	}
}
