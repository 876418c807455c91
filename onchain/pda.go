package onchain

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// RoomAddresses holds the pair of program-derived addresses that belong to a
// single (creator, roomID) tuple. Both must be unoccupied before a create
// transaction can succeed; probing them together is the basis of room id
// collision detection.
type RoomAddresses struct {
	Room  solana.PublicKey
	Vault solana.PublicKey
}

// DeriveRoomAddress derives the room account address for (creator, roomID).
func DeriveRoomAddress(programID, creator solana.PublicKey, roomID uint64) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(roomSeeds("room", creator, roomID), programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive room address: %w", err)
	}
	return addr, nil
}

// DeriveVaultAddress derives the escrow vault address for (creator, roomID).
func DeriveVaultAddress(programID, creator solana.PublicKey, roomID uint64) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(roomSeeds("vault", creator, roomID), programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	return addr, nil
}

// DeriveRoomAddresses derives both the room and vault addresses.
func DeriveRoomAddresses(programID, creator solana.PublicKey, roomID uint64) (RoomAddresses, error) {
	room, err := DeriveRoomAddress(programID, creator, roomID)
	if err != nil {
		return RoomAddresses{}, err
	}
	vault, err := DeriveVaultAddress(programID, creator, roomID)
	if err != nil {
		return RoomAddresses{}, err
	}
	return RoomAddresses{Room: room, Vault: vault}, nil
}

// DeriveConfigAddress derives the program's singleton config address.
func DeriveConfigAddress(programID solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("config")}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive config address: %w", err)
	}
	return addr, nil
}

func roomSeeds(tag string, creator solana.PublicKey, roomID uint64) [][]byte {
	id := make([]byte, 8)
	binary.LittleEndian.PutUint64(id, roomID)
	return [][]byte{[]byte(tag), creator.Bytes(), id}
}
