package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/stakematch/arena/server/metrics"
	"github.com/stakematch/arena/server/settlement"
)

// SettlementAuthority is the authority surface the handlers drive.
type SettlementAuthority interface {
	Forfeit(ctx context.Context, wallet string, roomPDA solana.PublicKey, mode settlement.Mode) (settlement.Result, error)
	ForceSettle(ctx context.Context, roomPDA solana.PublicKey, winnerOverride string) (settlement.Result, error)
}

// MirrorReader is the read-only mirror surface behind the list endpoints.
type MirrorReader interface {
	ListActiveSessions(ctx context.Context, wallet string) ([]settlement.GameSession, error)
	ListMatches(ctx context.Context, wallet string, limit int) ([]settlement.MatchResult, error)
}

// MirrorSyncStore is the mirror surface the room-sync endpoint writes
// through.
type MirrorSyncStore interface {
	GetSession(ctx context.Context, roomPDA string) (*settlement.GameSession, error)
	UpsertSession(ctx context.Context, gs settlement.GameSession) error
	TouchAction(ctx context.Context, roomPDA string) error
}

// SettlementConfig wires the settlement HTTP handlers.
type SettlementConfig struct {
	Logger    *slog.Logger
	Authority SettlementAuthority
	Mirror    MirrorReader
	Ledger    settlement.LedgerReader
	Sync      MirrorSyncStore
	// InternalToken guards the force-settle endpoint. Empty disables it.
	InternalToken string
}

func (cfg *SettlementConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Authority == nil {
		return errors.New("settlement authority is required")
	}
	if cfg.Mirror == nil {
		return errors.New("mirror reader is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger reader is required")
	}
	if cfg.Sync == nil {
		return errors.New("mirror sync store is required")
	}
	return nil
}

// Settlement bundles the settlement HTTP handlers.
type Settlement struct {
	log           *slog.Logger
	authority     SettlementAuthority
	mirror        MirrorReader
	ledger        settlement.LedgerReader
	sync          MirrorSyncStore
	internalToken string
}

func NewSettlement(cfg SettlementConfig) (*Settlement, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Settlement{
		log:           cfg.Logger,
		authority:     cfg.Authority,
		mirror:        cfg.Mirror,
		ledger:        cfg.Ledger,
		sync:          cfg.Sync,
		internalToken: cfg.InternalToken,
	}, nil
}

// ForfeitRequest is the body of POST /api/rooms/forfeit.
//
// Wallet is accepted for compatibility with older clients and ignored:
// identity always comes from the verified session.
type ForfeitRequest struct {
	RoomPDA string `json:"room_pda"`
	Mode    string `json:"mode,omitempty"`
	Wallet  string `json:"wallet,omitempty"`
}

// Forfeit resolves a forfeit or timeout claim for the session wallet.
func (h *Settlement) Forfeit(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no session wallet")
		return
	}

	var req ForfeitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	roomPDA, err := solana.PublicKeyFromBase58(req.RoomPDA)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "room_pda is not a valid address")
		return
	}

	mode := settlement.Mode(req.Mode)
	if mode == "" {
		mode = settlement.ModeManual
	}
	if mode != settlement.ModeManual && mode != settlement.ModeTimeout {
		writeError(w, http.StatusBadRequest, "bad_request", "mode must be manual or timeout")
		return
	}

	start := time.Now()
	result, err := h.authority.Forfeit(r.Context(), wallet, roomPDA, mode)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.writeAuthorityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ForceSettleRequest is the body of POST /internal/rooms/force-settle.
type ForceSettleRequest struct {
	RoomPDA string `json:"room_pda"`
	Winner  string `json:"winner,omitempty"`
}

// ForceSettle replays a stuck settlement. Internal endpoint: guarded by a
// shared token, never exposed to game clients.
func (h *Settlement) ForceSettle(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Internal-Token")
	if h.internalToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.internalToken)) != 1 {
		writeError(w, http.StatusForbidden, "forbidden", "invalid internal token")
		return
	}

	var req ForceSettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	roomPDA, err := solana.PublicKeyFromBase58(req.RoomPDA)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "room_pda is not a valid address")
		return
	}

	result, err := h.authority.ForceSettle(r.Context(), roomPDA, req.Winner)
	if err != nil {
		h.writeAuthorityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ActiveRoomSummary is one row of GET /api/rooms/active.
type ActiveRoomSummary struct {
	RoomPDA       string    `json:"room_pda"`
	RoomID        int64     `json:"room_id"`
	Status        string    `json:"status"`
	GameType      uint8     `json:"game_type"`
	MaxPlayers    uint8     `json:"max_players"`
	StakeLamports uint64    `json:"stake_lamports"`
	Players       []string  `json:"players"`
	Eliminated    []string  `json:"eliminated_players,omitempty"`
	LastActionAt  time.Time `json:"last_action_at"`
}

// ActiveRooms lists the session wallet's non-terminal rooms from the
// mirror.
func (h *Settlement) ActiveRooms(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no session wallet")
		return
	}

	sessions, err := h.mirror.ListActiveSessions(r.Context(), wallet)
	if err != nil {
		h.log.Error("handlers: failed to list active sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list active rooms")
		return
	}

	out := make([]ActiveRoomSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ActiveRoomSummary{
			RoomPDA:       s.RoomPDA,
			RoomID:        s.RoomID,
			Status:        s.Status,
			GameType:      s.GameType,
			MaxPlayers:    s.MaxPlayers,
			StakeLamports: s.StakeLamports,
			Players:       s.Players,
			Eliminated:    s.EliminatedPlayers,
			LastActionAt:  s.LastActionAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

// MatchSummary is one row of GET /api/matches.
type MatchSummary struct {
	RoomPDA       string    `json:"room_pda"`
	RoomID        int64     `json:"room_id"`
	Winner        string    `json:"winner"`
	Mode          string    `json:"mode"`
	GameType      uint8     `json:"game_type"`
	StakeLamports uint64    `json:"stake_lamports"`
	Players       []string  `json:"players"`
	TxSignature   string    `json:"tx_signature"`
	SettledAt     time.Time `json:"settled_at"`
}

// Matches lists the session wallet's settled matches, newest first.
func (h *Settlement) Matches(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no session wallet")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	matches, err := h.mirror.ListMatches(r.Context(), wallet, limit)
	if err != nil {
		h.log.Error("handlers: failed to list matches", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list matches")
		return
	}

	out := make([]MatchSummary, 0, len(matches))
	for _, m := range matches {
		out = append(out, MatchSummary{
			RoomPDA:       m.RoomPDA,
			RoomID:        m.RoomID,
			Winner:        m.Winner,
			Mode:          m.Mode,
			GameType:      m.GameType,
			StakeLamports: m.StakeLamports,
			Players:       m.Players,
			TxSignature:   m.TxSignature,
			SettledAt:     m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": out})
}

func (h *Settlement) writeAuthorityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, settlement.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, "room_not_found", "room account does not exist")
	case errors.Is(err, settlement.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not_participant", "wallet is not a participant of this room")
	case errors.Is(err, settlement.ErrTimeoutNotDue):
		writeError(w, http.StatusConflict, "timeout_not_due", "opponent has not been idle long enough")
	case errors.Is(err, settlement.ErrTimeoutMultiParty):
		writeError(w, http.StatusConflict, "timeout_not_applicable", "timeout claims are only valid once two players remain")
	case errors.Is(err, settlement.ErrNothingToSettle):
		writeError(w, http.StatusConflict, "nothing_to_settle", err.Error())
	default:
		h.log.Error("handlers: settlement failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "settlement failed")
	}
}
