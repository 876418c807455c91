// Package onchain holds the fixed account layouts and instruction encodings
// of the deployed escrow game program. Everything in this package is pure
// data: decoding, address derivation and instruction assembly do no I/O.
package onchain

import (
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
)

// MaxRoomPlayers is the fixed player-slot capacity of a Room account.
const MaxRoomPlayers = 4

// GameType mirrors the program's game type enum.
type GameType uint8

const (
	GameTypeRanked GameType = iota
	GameTypeCasual
	GameTypeRace
)

func (g GameType) String() string {
	switch g {
	case GameTypeRanked:
		return "ranked"
	case GameTypeCasual:
		return "casual"
	case GameTypeRace:
		return "race"
	default:
		return "unknown"
	}
}

// RoomStatus mirrors the program's room lifecycle enum. Transitions are
// monotonic: Open -> Started -> Finished or Cancelled.
type RoomStatus uint8

const (
	RoomStatusOpen RoomStatus = iota
	RoomStatusStarted
	RoomStatusFinished
	RoomStatusCancelled
)

func (s RoomStatus) String() string {
	switch s {
	case RoomStatusOpen:
		return "open"
	case RoomStatusStarted:
		return "started"
	case RoomStatusFinished:
		return "finished"
	case RoomStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the room can no longer change state.
func (s RoomStatus) Terminal() bool {
	return s == RoomStatusFinished || s == RoomStatusCancelled
}

// Room is the decoded form of an on-chain room account.
type Room struct {
	RoomID        uint64
	Creator       solana.PublicKey
	GameType      GameType
	MaxPlayers    uint8
	PlayerCount   uint8
	Status        RoomStatus
	StakeLamports uint64
	Winner        solana.PublicKey
	Players       []solana.PublicKey
}

// HasPlayer reports whether pk occupies one of the room's player slots.
func (r Room) HasPlayer(pk solana.PublicKey) bool {
	for _, p := range r.Players {
		if p.Equals(pk) {
			return true
		}
	}
	return false
}

// HasWinner reports whether the winner field is set. The program writes the
// zero address until the room is finished.
func (r Room) HasWinner() bool {
	return !r.Winner.IsZero()
}

// GameConfig is the decoded form of the program's singleton config account.
type GameConfig struct {
	Authority      solana.PublicKey
	FeeRecipient   solana.PublicKey
	FeeBasisPoints uint16
	Verifier       solana.PublicKey
}

// discriminator returns the 8-byte account or instruction tag the program
// derives from sha256(prefix + ":" + name).
func discriminator(prefix, name string) [8]byte {
	h := sha256.Sum256([]byte(prefix + ":" + name))
	var d [8]byte
	copy(d[:], h[:8])
	return d
}

var (
	roomDiscriminator   = discriminator("account", "Room")
	configDiscriminator = discriminator("account", "GameConfig")

	createRoomDiscriminator   = discriminator("global", "create_room")
	joinRoomDiscriminator     = discriminator("global", "join_room")
	cancelRoomDiscriminator   = discriminator("global", "cancel_room")
	submitResultDiscriminator = discriminator("global", "submit_result")
)
