package onchain

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Instruction builders. Each instruction carries an 8-byte operation
// discriminator followed by little-endian packed arguments, and references a
// fixed account list in the order the program expects.

// CreateRoomParams describes a create_room instruction.
type CreateRoomParams struct {
	ProgramID     solana.PublicKey
	Creator       solana.PublicKey
	Config        solana.PublicKey
	Room          solana.PublicKey
	Vault         solana.PublicKey
	RoomID        uint64
	GameType      GameType
	MaxPlayers    uint8
	StakeLamports uint64
}

// BuildCreateRoom assembles a create_room instruction.
// Args: roomId u64, gameType u8, maxPlayers u8, stakeLamports u64.
func BuildCreateRoom(p CreateRoomParams) solana.Instruction {
	data := make([]byte, 0, 8+8+1+1+8)
	data = append(data, createRoomDiscriminator[:]...)
	data = binary.LittleEndian.AppendUint64(data, p.RoomID)
	data = append(data, byte(p.GameType), p.MaxPlayers)
	data = binary.LittleEndian.AppendUint64(data, p.StakeLamports)

	return solana.NewInstruction(p.ProgramID, solana.AccountMetaSlice{
		solana.Meta(p.Creator).WRITE().SIGNER(),
		solana.Meta(p.Config),
		solana.Meta(p.Room).WRITE(),
		solana.Meta(p.Vault).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}

// JoinRoomParams describes a join_room instruction.
type JoinRoomParams struct {
	ProgramID solana.PublicKey
	Player    solana.PublicKey
	Config    solana.PublicKey
	Room      solana.PublicKey
	Vault     solana.PublicKey
}

// BuildJoinRoom assembles a join_room instruction. The joiner's stake amount
// is enforced by the program from the room record, so there are no args.
func BuildJoinRoom(p JoinRoomParams) solana.Instruction {
	data := make([]byte, 0, 8)
	data = append(data, joinRoomDiscriminator[:]...)

	return solana.NewInstruction(p.ProgramID, solana.AccountMetaSlice{
		solana.Meta(p.Player).WRITE().SIGNER(),
		solana.Meta(p.Config),
		solana.Meta(p.Room).WRITE(),
		solana.Meta(p.Vault).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}

// CancelRoomParams describes a cancel_room instruction.
type CancelRoomParams struct {
	ProgramID solana.PublicKey
	Creator   solana.PublicKey
	Room      solana.PublicKey
	Vault     solana.PublicKey
}

// BuildCancelRoom assembles a cancel_room instruction refunding the vault to
// the creator.
func BuildCancelRoom(p CancelRoomParams) solana.Instruction {
	data := make([]byte, 0, 8)
	data = append(data, cancelRoomDiscriminator[:]...)

	return solana.NewInstruction(p.ProgramID, solana.AccountMetaSlice{
		solana.Meta(p.Creator).WRITE().SIGNER(),
		solana.Meta(p.Room).WRITE(),
		solana.Meta(p.Vault).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}

// SubmitResultParams describes a submit_result instruction. The verifier is
// the settlement authority's key; the program rejects any other signer.
type SubmitResultParams struct {
	ProgramID    solana.PublicKey
	Verifier     solana.PublicKey
	Config       solana.PublicKey
	Room         solana.PublicKey
	Vault        solana.PublicKey
	Winner       solana.PublicKey
	FeeRecipient solana.PublicKey
}

// BuildSubmitResult assembles a submit_result instruction paying the vault
// out to the winner minus the configured fee. Args: winner pubkey (32 bytes).
func BuildSubmitResult(p SubmitResultParams) solana.Instruction {
	data := make([]byte, 0, 8+32)
	data = append(data, submitResultDiscriminator[:]...)
	data = append(data, p.Winner.Bytes()...)

	return solana.NewInstruction(p.ProgramID, solana.AccountMetaSlice{
		solana.Meta(p.Verifier).WRITE().SIGNER(),
		solana.Meta(p.Config),
		solana.Meta(p.Room).WRITE(),
		solana.Meta(p.Vault).WRITE(),
		solana.Meta(p.Winner).WRITE(),
		solana.Meta(p.FeeRecipient).WRITE(),
		solana.Meta(solana.SystemProgramID),
	}, data)
}
