package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/stakematch/arena/onchain"
	"github.com/stakematch/arena/server/settlement"
)

// RoomSyncRequest is the body of POST /api/rooms/sync.
type RoomSyncRequest struct {
	RoomPDA string `json:"room_pda"`
}

// RoomSyncResponse reports the mirrored state of the room.
type RoomSyncResponse struct {
	RoomPDA string `json:"room_pda"`
	RoomID  int64  `json:"room_id"`
	Status  string `json:"status"`
	Players int    `json:"players"`
}

// RoomSync refreshes the mirror row for a room the session wallet plays
// in. Clients call it after a confirmed create or join, and as the action
// heartbeat that feeds the timeout-forfeit gate. The ledger stays
// authoritative: the row is rebuilt from the fetched account, never from
// the request.
func (h *Settlement) RoomSync(w http.ResponseWriter, r *http.Request) {
	wallet, ok := WalletFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no session wallet")
		return
	}

	var req RoomSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	roomPDA, err := solana.PublicKeyFromBase58(req.RoomPDA)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "room_pda is not a valid address")
		return
	}

	room, err := h.ledger.FetchRoom(r.Context(), roomPDA)
	if err != nil {
		if errors.Is(err, settlement.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room_not_found", "room account does not exist")
			return
		}
		h.log.Error("handlers: failed to fetch room for sync", "room", req.RoomPDA, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read room")
		return
	}

	walletKey, err := solana.PublicKeyFromBase58(wallet)
	if err != nil || !room.HasPlayer(walletKey) {
		writeError(w, http.StatusForbidden, "not_participant", "wallet is not a participant of this room")
		return
	}

	status := mirrorStatus(room.Status)
	existing, err := h.sync.GetSession(r.Context(), roomPDA.String())
	switch {
	case err == nil && existing.Status == status && len(existing.Players) == len(room.Players):
		// Nothing changed on chain; just record the activity.
		err = h.sync.TouchAction(r.Context(), roomPDA.String())
	case err == nil || errors.Is(err, settlement.ErrSessionNotFound):
		err = h.sync.UpsertSession(r.Context(), settlement.GameSession{
			RoomPDA:       roomPDA.String(),
			RoomID:        int64(room.RoomID),
			Creator:       room.Creator.String(),
			GameType:      uint8(room.GameType),
			MaxPlayers:    room.MaxPlayers,
			StakeLamports: room.StakeLamports,
			Status:        status,
			Players:       playerAddresses(room.Players),
		})
	}
	if err != nil {
		h.log.Error("handlers: failed to sync room mirror", "room", req.RoomPDA, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to sync room")
		return
	}

	writeJSON(w, http.StatusOK, RoomSyncResponse{
		RoomPDA: roomPDA.String(),
		RoomID:  int64(room.RoomID),
		Status:  status,
		Players: len(room.Players),
	})
}

// mirrorStatus maps the on-chain room status to the mirror vocabulary.
func mirrorStatus(s onchain.RoomStatus) string {
	switch s {
	case onchain.RoomStatusOpen:
		return settlement.StatusWaiting
	case onchain.RoomStatusStarted:
		return settlement.StatusActive
	case onchain.RoomStatusFinished:
		return settlement.StatusFinished
	case onchain.RoomStatusCancelled:
		return settlement.StatusCancelled
	default:
		return settlement.StatusWaiting
	}
}

func playerAddresses(players []solana.PublicKey) []string {
	out := make([]string, len(players))
	for i, p := range players {
		out[i] = p.String()
	}
	return out
}
