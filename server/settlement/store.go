// Package settlement holds the server-side half of a match: the Postgres
// mirror of room state and the authority that signs settlement
// transactions with the verifier key.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Mirror row statuses. The mirror tracks the off-chain lifecycle; the
// ledger stays authoritative for money.
const (
	StatusWaiting         = "waiting"
	StatusActive          = "active"
	StatusFinished        = "finished"
	StatusCancelled       = "cancelled"
	StatusNeedsSettlement = "needs_settlement"
)

// ErrSessionNotFound is returned when no mirror row exists for a room.
var ErrSessionNotFound = errors.New("settlement: game session not found")

// GameSession mirrors one room's off-chain state.
type GameSession struct {
	ID                uuid.UUID
	RoomPDA           string
	RoomID            int64
	Creator           string
	GameType          uint8
	MaxPlayers        uint8
	StakeLamports     uint64
	Status            string
	Players           []string
	EliminatedPlayers []string
	IntendedWinner    *string
	SettlementError   *string
	FailedTxSignature *string
	LastActionAt      time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Remaining returns the players that have not been eliminated.
func (s *GameSession) Remaining() []string {
	out := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		eliminated := false
		for _, e := range s.EliminatedPlayers {
			if e == p {
				eliminated = true
				break
			}
		}
		if !eliminated {
			out = append(out, p)
		}
	}
	return out
}

// MatchResult records a settled match. The unique room_pda constraint is
// the idempotence guard against double settlement rows.
type MatchResult struct {
	ID            uuid.UUID
	RoomPDA       string
	RoomID        int64
	Winner        string
	Mode          string
	GameType      uint8
	StakeLamports uint64
	Players       []string
	TxSignature   string
	CreatedAt     time.Time
}

// Store persists game sessions and match results.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	return &Store{pool: pool}, nil
}

// UpsertSession inserts or refreshes the mirror row for a room, keyed by
// room_pda. Settlement metadata is never touched here.
func (s *Store) UpsertSession(ctx context.Context, gs GameSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_sessions (
			room_pda, room_id, creator, game_type, max_players,
			stake_lamports, status, players, last_action_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (room_pda) DO UPDATE SET
			status = EXCLUDED.status,
			players = EXCLUDED.players,
			last_action_at = NOW(),
			updated_at = NOW()
	`, gs.RoomPDA, gs.RoomID, gs.Creator, int16(gs.GameType), int16(gs.MaxPlayers),
		int64(gs.StakeLamports), gs.Status, gs.Players)
	if err != nil {
		return fmt.Errorf("failed to upsert game session: %w", err)
	}
	return nil
}

// GetSession loads the mirror row for a room.
func (s *Store) GetSession(ctx context.Context, roomPDA string) (*GameSession, error) {
	var gs GameSession
	var gameType, maxPlayers int16
	var stake int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, room_pda, room_id, creator, game_type, max_players,
		       stake_lamports, status, players, eliminated_players,
		       intended_winner, settlement_error, failed_tx_signature,
		       last_action_at, created_at, updated_at
		FROM game_sessions
		WHERE room_pda = $1
	`, roomPDA).Scan(
		&gs.ID, &gs.RoomPDA, &gs.RoomID, &gs.Creator, &gameType, &maxPlayers,
		&stake, &gs.Status, &gs.Players, &gs.EliminatedPlayers,
		&gs.IntendedWinner, &gs.SettlementError, &gs.FailedTxSignature,
		&gs.LastActionAt, &gs.CreatedAt, &gs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get game session: %w", err)
	}
	gs.GameType = uint8(gameType)
	gs.MaxPlayers = uint8(maxPlayers)
	gs.StakeLamports = uint64(stake)
	return &gs, nil
}

// AppendElimination records an off-chain elimination for a multi-party
// room. Appending the same wallet twice is a no-op.
func (s *Store) AppendElimination(ctx context.Context, roomPDA, wallet string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE game_sessions
		SET eliminated_players = array_append(eliminated_players, $2),
		    last_action_at = NOW(),
		    updated_at = NOW()
		WHERE room_pda = $1 AND NOT ($2 = ANY(eliminated_players))
	`, roomPDA, wallet)
	if err != nil {
		return fmt.Errorf("failed to append elimination: %w", err)
	}
	return nil
}

// MarkFinished transitions the mirror row to finished and clears any stale
// settlement failure metadata.
func (s *Store) MarkFinished(ctx context.Context, roomPDA string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE game_sessions
		SET status = $2,
		    intended_winner = NULL,
		    settlement_error = NULL,
		    failed_tx_signature = NULL,
		    updated_at = NOW()
		WHERE room_pda = $1
	`, roomPDA, StatusFinished)
	if err != nil {
		return fmt.Errorf("failed to mark session finished: %w", err)
	}
	return nil
}

// MarkNeedsSettlement records a failed settlement attempt so an operator
// can replay it. failedSig may be empty when the failure happened before
// submission.
func (s *Store) MarkNeedsSettlement(ctx context.Context, roomPDA, intendedWinner, settlementErr, failedSig string) error {
	var sig *string
	if failedSig != "" {
		sig = &failedSig
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE game_sessions
		SET status = $2,
		    intended_winner = $3,
		    settlement_error = $4,
		    failed_tx_signature = $5,
		    updated_at = NOW()
		WHERE room_pda = $1
	`, roomPDA, StatusNeedsSettlement, intendedWinner, settlementErr, sig)
	if err != nil {
		return fmt.Errorf("failed to mark session needs_settlement: %w", err)
	}
	return nil
}

// TouchAction bumps last_action_at, feeding the timeout-forfeit gate.
func (s *Store) TouchAction(ctx context.Context, roomPDA string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE game_sessions SET last_action_at = NOW(), updated_at = NOW()
		WHERE room_pda = $1
	`, roomPDA)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// InsertMatchResult records a settled match. Returns false when a result
// for the room already exists.
func (s *Store) InsertMatchResult(ctx context.Context, mr MatchResult) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO match_results (
			room_pda, room_id, winner, mode, game_type,
			stake_lamports, players, tx_signature
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_pda) DO NOTHING
	`, mr.RoomPDA, mr.RoomID, mr.Winner, mr.Mode, int16(mr.GameType),
		int64(mr.StakeLamports), mr.Players, mr.TxSignature)
	if err != nil {
		return false, fmt.Errorf("failed to insert match result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListNeedsSettlement returns the sessions stuck in needs_settlement,
// oldest first.
func (s *Store) ListNeedsSettlement(ctx context.Context) ([]GameSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_pda, room_id, creator, game_type, max_players,
		       stake_lamports, status, players, eliminated_players,
		       intended_winner, settlement_error, failed_tx_signature,
		       last_action_at, created_at, updated_at
		FROM game_sessions
		WHERE status = $1
		ORDER BY updated_at ASC
	`, StatusNeedsSettlement)
	if err != nil {
		return nil, fmt.Errorf("failed to list needs_settlement sessions: %w", err)
	}
	defer rows.Close()

	var out []GameSession
	for rows.Next() {
		var gs GameSession
		var gameType, maxPlayers int16
		var stake int64
		if err := rows.Scan(
			&gs.ID, &gs.RoomPDA, &gs.RoomID, &gs.Creator, &gameType, &maxPlayers,
			&stake, &gs.Status, &gs.Players, &gs.EliminatedPlayers,
			&gs.IntendedWinner, &gs.SettlementError, &gs.FailedTxSignature,
			&gs.LastActionAt, &gs.CreatedAt, &gs.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan game session: %w", err)
		}
		gs.GameType = uint8(gameType)
		gs.MaxPlayers = uint8(maxPlayers)
		gs.StakeLamports = uint64(stake)
		out = append(out, gs)
	}
	return out, rows.Err()
}

// ListMatches returns a wallet's settled matches, newest first.
func (s *Store) ListMatches(ctx context.Context, wallet string, limit int) ([]MatchResult, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_pda, room_id, winner, mode, game_type,
		       stake_lamports, players, tx_signature, created_at
		FROM match_results
		WHERE $1 = ANY(players)
		ORDER BY created_at DESC
		LIMIT $2
	`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list match results: %w", err)
	}
	defer rows.Close()

	var out []MatchResult
	for rows.Next() {
		var mr MatchResult
		var gameType int16
		var stake int64
		if err := rows.Scan(
			&mr.ID, &mr.RoomPDA, &mr.RoomID, &mr.Winner, &mr.Mode, &gameType,
			&stake, &mr.Players, &mr.TxSignature, &mr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan match result: %w", err)
		}
		mr.GameType = uint8(gameType)
		mr.StakeLamports = uint64(stake)
		out = append(out, mr)
	}
	return out, rows.Err()
}

// ListActiveSessions returns a wallet's non-terminal sessions, newest
// first.
func (s *Store) ListActiveSessions(ctx context.Context, wallet string) ([]GameSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_pda, room_id, creator, game_type, max_players,
		       stake_lamports, status, players, eliminated_players,
		       intended_winner, settlement_error, failed_tx_signature,
		       last_action_at, created_at, updated_at
		FROM game_sessions
		WHERE $1 = ANY(players) AND status IN ($2, $3)
		ORDER BY room_id DESC
	`, wallet, StatusWaiting, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var out []GameSession
	for rows.Next() {
		var gs GameSession
		var gameType, maxPlayers int16
		var stake int64
		if err := rows.Scan(
			&gs.ID, &gs.RoomPDA, &gs.RoomID, &gs.Creator, &gameType, &maxPlayers,
			&stake, &gs.Status, &gs.Players, &gs.EliminatedPlayers,
			&gs.IntendedWinner, &gs.SettlementError, &gs.FailedTxSignature,
			&gs.LastActionAt, &gs.CreatedAt, &gs.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan game session: %w", err)
		}
		gs.GameType = uint8(gameType)
		gs.MaxPlayers = uint8(maxPlayers)
		gs.StakeLamports = uint64(stake)
		out = append(out, gs)
	}
	return out, rows.Err()
}
