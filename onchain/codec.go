package onchain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Fixed byte offsets within the Room account layout. The playerCount-bounded
// player list starts at RoomPlayersOffset with one 32-byte slot per player.
const (
	RoomIDOffset       = 8
	RoomCreatorOffset  = 16
	RoomGameTypeOffset = 48
	RoomMaxPlayersOff  = 49
	RoomPlayerCountOff = 50
	RoomStatusOffset   = 51
	RoomStakeOffset    = 52
	RoomWinnerOffset   = 60
	RoomPlayersOffset  = 92

	// RoomAccountSize is the minimum byte length of a Room account.
	RoomAccountSize = RoomPlayersOffset + MaxRoomPlayers*32

	// ConfigAccountSize is the minimum byte length of the config account:
	// discriminator, authority, fee recipient, fee basis points, verifier.
	ConfigAccountSize = 8 + 32 + 32 + 2 + 32
)

var (
	// ErrTruncatedAccount is returned when account data is shorter than the
	// fixed layout requires. Callers should treat it as a transient read and
	// retry rather than fail hard.
	ErrTruncatedAccount = errors.New("onchain: account data truncated")

	// ErrBadDiscriminator is returned when the 8-byte account tag does not
	// match the expected record type. Decoders fail closed instead of
	// guessing at the layout.
	ErrBadDiscriminator = errors.New("onchain: account discriminator mismatch")
)

// PlayerSlotOffset returns the byte offset of player slot i, for building
// memcmp filters over the room's player list.
func PlayerSlotOffset(i int) uint64 {
	return uint64(RoomPlayersOffset + i*32)
}

// DecodeRoom decodes a Room account from its fixed little-endian layout.
// Player slots beyond playerCount and zero-sentinel entries are dropped.
func DecodeRoom(data []byte) (Room, error) {
	if len(data) < RoomAccountSize {
		return Room{}, fmt.Errorf("%w: room account is %d bytes, want at least %d", ErrTruncatedAccount, len(data), RoomAccountSize)
	}
	if !bytes.Equal(data[:8], roomDiscriminator[:]) {
		return Room{}, fmt.Errorf("%w: not a room account", ErrBadDiscriminator)
	}

	r := Room{
		RoomID:        binary.LittleEndian.Uint64(data[RoomIDOffset:]),
		Creator:       solana.PublicKeyFromBytes(data[RoomCreatorOffset : RoomCreatorOffset+32]),
		GameType:      GameType(data[RoomGameTypeOffset]),
		MaxPlayers:    data[RoomMaxPlayersOff],
		PlayerCount:   data[RoomPlayerCountOff],
		Status:        RoomStatus(data[RoomStatusOffset]),
		StakeLamports: binary.LittleEndian.Uint64(data[RoomStakeOffset:]),
		Winner:        solana.PublicKeyFromBytes(data[RoomWinnerOffset : RoomWinnerOffset+32]),
	}

	count := int(r.PlayerCount)
	if count > MaxRoomPlayers {
		count = MaxRoomPlayers
	}
	for i := 0; i < count; i++ {
		off := RoomPlayersOffset + i*32
		pk := solana.PublicKeyFromBytes(data[off : off+32])
		if pk.IsZero() {
			continue
		}
		r.Players = append(r.Players, pk)
	}

	return r, nil
}

// DecodeConfig decodes the program's singleton config account.
func DecodeConfig(data []byte) (GameConfig, error) {
	if len(data) < ConfigAccountSize {
		return GameConfig{}, fmt.Errorf("%w: config account is %d bytes, want at least %d", ErrTruncatedAccount, len(data), ConfigAccountSize)
	}
	if !bytes.Equal(data[:8], configDiscriminator[:]) {
		return GameConfig{}, fmt.Errorf("%w: not a config account", ErrBadDiscriminator)
	}

	return GameConfig{
		Authority:      solana.PublicKeyFromBytes(data[8:40]),
		FeeRecipient:   solana.PublicKeyFromBytes(data[40:72]),
		FeeBasisPoints: binary.LittleEndian.Uint16(data[72:74]),
		Verifier:       solana.PublicKeyFromBytes(data[74:106]),
	}, nil
}
