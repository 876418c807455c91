package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/stakematch/arena/onchain"
	"github.com/stakematch/arena/server/settlement"
	arenatesting "github.com/stakematch/arena/utils/pkg/testing"
)

type fakeAuthority struct {
	forfeitWallet string
	forfeitRoom   solana.PublicKey
	forfeitMode   settlement.Mode
	forceRoom     solana.PublicKey
	forceWinner   string
	result        settlement.Result
	err           error
}

func (f *fakeAuthority) Forfeit(ctx context.Context, wallet string, roomPDA solana.PublicKey, mode settlement.Mode) (settlement.Result, error) {
	f.forfeitWallet = wallet
	f.forfeitRoom = roomPDA
	f.forfeitMode = mode
	if f.err != nil {
		return settlement.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeAuthority) ForceSettle(ctx context.Context, roomPDA solana.PublicKey, winnerOverride string) (settlement.Result, error) {
	f.forceRoom = roomPDA
	f.forceWinner = winnerOverride
	if f.err != nil {
		return settlement.Result{}, f.err
	}
	return f.result, nil
}

type fakeMirror struct {
	sessions []settlement.GameSession
	matches  []settlement.MatchResult
	wallet   string
	limit    int
}

func (f *fakeMirror) ListActiveSessions(ctx context.Context, wallet string) ([]settlement.GameSession, error) {
	f.wallet = wallet
	return f.sessions, nil
}

func (f *fakeMirror) ListMatches(ctx context.Context, wallet string, limit int) ([]settlement.MatchResult, error) {
	f.wallet = wallet
	f.limit = limit
	return f.matches, nil
}

type fakeLedger struct {
	room onchain.Room
	err  error
}

func (f *fakeLedger) FetchRoom(ctx context.Context, room solana.PublicKey) (onchain.Room, error) {
	if f.err != nil {
		return onchain.Room{}, f.err
	}
	return f.room, nil
}

func (f *fakeLedger) FetchConfig(ctx context.Context) (onchain.GameConfig, error) {
	return onchain.GameConfig{}, nil
}

type fakeSyncStore struct {
	session  *settlement.GameSession
	upserted *settlement.GameSession
	touched  int
}

func (f *fakeSyncStore) GetSession(ctx context.Context, roomPDA string) (*settlement.GameSession, error) {
	if f.session == nil {
		return nil, settlement.ErrSessionNotFound
	}
	return f.session, nil
}

func (f *fakeSyncStore) UpsertSession(ctx context.Context, gs settlement.GameSession) error {
	f.upserted = &gs
	return nil
}

func (f *fakeSyncStore) TouchAction(ctx context.Context, roomPDA string) error {
	f.touched++
	return nil
}

type settlementFakes struct {
	authority *fakeAuthority
	mirror    *fakeMirror
	ledger    *fakeLedger
	sync      *fakeSyncStore
}

func newTestSettlementWith(t *testing.T, fakes settlementFakes, internalToken string) *Settlement {
	t.Helper()
	if fakes.authority == nil {
		fakes.authority = &fakeAuthority{}
	}
	if fakes.mirror == nil {
		fakes.mirror = &fakeMirror{}
	}
	if fakes.ledger == nil {
		fakes.ledger = &fakeLedger{}
	}
	if fakes.sync == nil {
		fakes.sync = &fakeSyncStore{}
	}
	h, err := NewSettlement(SettlementConfig{
		Logger:        arenatesting.NewLogger(),
		Authority:     fakes.authority,
		Mirror:        fakes.mirror,
		Ledger:        fakes.ledger,
		Sync:          fakes.sync,
		InternalToken: internalToken,
	})
	require.NoError(t, err)
	return h
}

func newTestSettlement(t *testing.T, authority *fakeAuthority, mirror *fakeMirror, internalToken string) *Settlement {
	t.Helper()
	return newTestSettlementWith(t, settlementFakes{authority: authority, mirror: mirror}, internalToken)
}

// withSessionWallet simulates what RequireSession does after verifying the
// bearer token.
func withSessionWallet(req *http.Request, wallet string) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), walletContextKey{}, wallet))
}

func forfeitRequest(t *testing.T, body ForfeitRequest, sessionWallet string) *http.Request {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/rooms/forfeit", bytes.NewReader(buf))
	return withSessionWallet(req, sessionWallet)
}

func TestArena_Handlers_Forfeit(t *testing.T) {
	t.Parallel()

	roomPDA := solana.NewWallet().PublicKey()
	sessionWallet := solana.NewWallet().PublicKey().String()

	t.Run("resolves with the session wallet", func(t *testing.T) {
		t.Parallel()
		authority := &fakeAuthority{result: settlement.Result{
			Outcome: settlement.OutcomeForfeit,
			Winner:  solana.NewWallet().PublicKey().String(),
		}}
		h := newTestSettlement(t, authority, &fakeMirror{}, "")

		rec := httptest.NewRecorder()
		h.Forfeit(rec, forfeitRequest(t, ForfeitRequest{RoomPDA: roomPDA.String()}, sessionWallet))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, sessionWallet, authority.forfeitWallet)
		require.Equal(t, roomPDA, authority.forfeitRoom)
		require.Equal(t, settlement.ModeManual, authority.forfeitMode, "mode defaults to manual")

		var result settlement.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.Equal(t, settlement.OutcomeForfeit, result.Outcome)
	})

	t.Run("wallet field in the body is ignored", func(t *testing.T) {
		t.Parallel()
		authority := &fakeAuthority{result: settlement.Result{Outcome: settlement.OutcomeForfeit}}
		h := newTestSettlement(t, authority, &fakeMirror{}, "")

		spoofed := solana.NewWallet().PublicKey().String()
		rec := httptest.NewRecorder()
		h.Forfeit(rec, forfeitRequest(t, ForfeitRequest{
			RoomPDA: roomPDA.String(),
			Wallet:  spoofed,
		}, sessionWallet))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, sessionWallet, authority.forfeitWallet,
			"identity must come from the session, not the body")
	})

	t.Run("timeout mode is passed through", func(t *testing.T) {
		t.Parallel()
		authority := &fakeAuthority{result: settlement.Result{Outcome: settlement.OutcomeForfeit}}
		h := newTestSettlement(t, authority, &fakeMirror{}, "")

		rec := httptest.NewRecorder()
		h.Forfeit(rec, forfeitRequest(t, ForfeitRequest{
			RoomPDA: roomPDA.String(),
			Mode:    "timeout",
		}, sessionWallet))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, settlement.ModeTimeout, authority.forfeitMode)
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlement(t, &fakeAuthority{}, &fakeMirror{}, "")

		rec := httptest.NewRecorder()
		h.Forfeit(rec, forfeitRequest(t, ForfeitRequest{
			RoomPDA: roomPDA.String(),
			Mode:    "surrender",
		}, sessionWallet))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid room address", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlement(t, &fakeAuthority{}, &fakeMirror{}, "")

		rec := httptest.NewRecorder()
		h.Forfeit(rec, forfeitRequest(t, ForfeitRequest{RoomPDA: "not-a-pda"}, sessionWallet))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no session wallet", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlement(t, &fakeAuthority{}, &fakeMirror{}, "")

		buf, err := json.Marshal(ForfeitRequest{RoomPDA: roomPDA.String()})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/rooms/forfeit", bytes.NewReader(buf))
		rec := httptest.NewRecorder()
		h.Forfeit(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authority errors map to status codes", func(t *testing.T) {
		t.Parallel()
		cases := []struct {
			name string
			err  error
			want int
			code string
		}{
			{"room not found", settlement.ErrRoomNotFound, http.StatusNotFound, "room_not_found"},
			{"not participant", settlement.ErrNotParticipant, http.StatusForbidden, "not_participant"},
			{"timeout not due", settlement.ErrTimeoutNotDue, http.StatusConflict, "timeout_not_due"},
			{"timeout in multi-party room", settlement.ErrTimeoutMultiParty, http.StatusConflict, "timeout_not_applicable"},
			{"nothing to settle", settlement.ErrNothingToSettle, http.StatusConflict, "nothing_to_settle"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				h := newTestSettlement(t, &fakeAuthority{err: tc.err}, &fakeMirror{}, "")

				rec := httptest.NewRecorder()
				h.Forfeit(rec, forfeitRequest(t, ForfeitRequest{RoomPDA: roomPDA.String()}, sessionWallet))
				require.Equal(t, tc.want, rec.Code)

				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				require.Equal(t, tc.code, resp.Error)
			})
		}
	})
}

func TestArena_Handlers_ForceSettle(t *testing.T) {
	t.Parallel()

	roomPDA := solana.NewWallet().PublicKey()

	forceReq := func(t *testing.T, body ForceSettleRequest, token string) *http.Request {
		t.Helper()
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/internal/rooms/force-settle", bytes.NewReader(buf))
		if token != "" {
			req.Header.Set("X-Internal-Token", token)
		}
		return req
	}

	t.Run("valid token settles", func(t *testing.T) {
		t.Parallel()
		winner := solana.NewWallet().PublicKey().String()
		authority := &fakeAuthority{result: settlement.Result{
			Outcome: settlement.OutcomeForceSettled,
			Winner:  winner,
		}}
		h := newTestSettlement(t, authority, &fakeMirror{}, "operator-secret")

		rec := httptest.NewRecorder()
		h.ForceSettle(rec, forceReq(t, ForceSettleRequest{RoomPDA: roomPDA.String(), Winner: winner}, "operator-secret"))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, roomPDA, authority.forceRoom)
		require.Equal(t, winner, authority.forceWinner)
	})

	t.Run("wrong token", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlement(t, &fakeAuthority{}, &fakeMirror{}, "operator-secret")

		rec := httptest.NewRecorder()
		h.ForceSettle(rec, forceReq(t, ForceSettleRequest{RoomPDA: roomPDA.String()}, "wrong"))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("endpoint disabled without a configured token", func(t *testing.T) {
		t.Parallel()
		h := newTestSettlement(t, &fakeAuthority{}, &fakeMirror{}, "")

		rec := httptest.NewRecorder()
		h.ForceSettle(rec, forceReq(t, ForceSettleRequest{RoomPDA: roomPDA.String()}, ""))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestArena_Handlers_ActiveRooms(t *testing.T) {
	t.Parallel()

	wallet := solana.NewWallet().PublicKey().String()
	mirror := &fakeMirror{sessions: []settlement.GameSession{{
		RoomPDA:       solana.NewWallet().PublicKey().String(),
		RoomID:        1724117025123001,
		Status:        settlement.StatusActive,
		MaxPlayers:    2,
		StakeLamports: 50_000_000,
		Players:       []string{wallet},
		LastActionAt:  time.Now(),
	}}}
	h := newTestSettlement(t, &fakeAuthority{}, mirror, "")

	req := withSessionWallet(httptest.NewRequest(http.MethodGet, "/api/rooms/active", nil), wallet)
	rec := httptest.NewRecorder()
	h.ActiveRooms(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, wallet, mirror.wallet)

	var resp struct {
		Rooms []ActiveRoomSummary `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	require.Equal(t, int64(1724117025123001), resp.Rooms[0].RoomID)
	require.Equal(t, settlement.StatusActive, resp.Rooms[0].Status)
}

func TestArena_Handlers_Matches(t *testing.T) {
	t.Parallel()

	wallet := solana.NewWallet().PublicKey().String()
	mirror := &fakeMirror{matches: []settlement.MatchResult{{
		RoomPDA:     solana.NewWallet().PublicKey().String(),
		Winner:      wallet,
		Mode:        "manual",
		TxSignature: solana.Signature{5}.String(),
	}}}
	h := newTestSettlement(t, &fakeAuthority{}, mirror, "")

	req := withSessionWallet(httptest.NewRequest(http.MethodGet, "/api/matches?limit=5", nil), wallet)
	rec := httptest.NewRecorder()
	h.Matches(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, wallet, mirror.wallet)
	require.Equal(t, 5, mirror.limit)

	var resp struct {
		Matches []MatchSummary `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Matches, 1)
	require.Equal(t, wallet, resp.Matches[0].Winner)
}
