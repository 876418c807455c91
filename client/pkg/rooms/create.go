package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/stakematch/arena/client/pkg/submit"
	"github.com/stakematch/arena/onchain"
)

// collisionBackoff is how long the create flow waits before redrawing a
// room id after a classified address collision.
const collisionBackoff = 500 * time.Millisecond

// ErrBlockingRoom is returned when the wallet already has an open or
// started room and must resolve it before creating or joining another.
type ErrBlockingRoom struct {
	Entry RoomEntry
}

func (e *ErrBlockingRoom) Error() string {
	return fmt.Sprintf("wallet already occupies room %d (%s)", e.Entry.Room.RoomID, e.Entry.Room.Status)
}

// ErrRoomIDCollision is returned when two consecutive allocations collided
// at submission time.
var ErrRoomIDCollision = errors.New("rooms: room id collided twice, giving up")

// TxSubmitter is the submission pipeline the client drives. *submit.Submitter
// satisfies it.
type TxSubmitter interface {
	Submit(ctx context.Context, instructions []solana.Instruction, signer submit.Signer) (submit.Receipt, error)
}

// ClientConfig configures the room lifecycle client.
type ClientConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	View      *View
	Allocator *Allocator
	Submitter TxSubmitter
	ProgramID solana.PublicKey
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.View == nil {
		return errors.New("room view is required")
	}
	if cfg.Allocator == nil {
		return errors.New("allocator is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client drives the room lifecycle operations for one wallet.
type Client struct {
	log    *slog.Logger
	cfg    ClientConfig
	config solana.PublicKey // escrow program config PDA
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	configAddr, err := onchain.DeriveConfigAddress(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive config address: %w", err)
	}
	return &Client{log: cfg.Logger, cfg: cfg, config: configAddr}, nil
}

// CreateRoomParams are the caller-chosen room parameters.
type CreateRoomParams struct {
	GameType      onchain.GameType
	MaxPlayers    uint8
	StakeLamports uint64
}

// CreatedRoom reports a confirmed room creation.
type CreatedRoom struct {
	Allocation Allocation
	Receipt    submit.Receipt
}

// CreateRoom allocates a room id, builds the creation transaction, and
// submits it. A wallet with an unresolved open or started room is refused
// up front. An address collision at submission time is retried exactly once
// with a fresh id after a short backoff; a second collision aborts.
func (c *Client) CreateRoom(ctx context.Context, signer submit.Signer, params CreateRoomParams) (CreatedRoom, error) {
	if entry, ok := c.cfg.View.BlockingRoom(); ok {
		return CreatedRoom{}, &ErrBlockingRoom{Entry: entry}
	}

	creator := signer.PublicKey()

	alloc, receipt, err := c.submitCreate(ctx, signer, creator, params)
	if err != nil && submit.IsAddressInUse(err) {
		c.log.Warn("rooms: room id collided at submission, retrying once", "room_id", alloc.RoomID)
		select {
		case <-ctx.Done():
			return CreatedRoom{}, ctx.Err()
		case <-c.cfg.Clock.After(collisionBackoff):
		}

		alloc, receipt, err = c.submitCreate(ctx, signer, creator, params)
		if err != nil && submit.IsAddressInUse(err) {
			return CreatedRoom{}, fmt.Errorf("%w: last id %d", ErrRoomIDCollision, alloc.RoomID)
		}
	}
	if err != nil {
		return CreatedRoom{}, err
	}

	c.log.Info("rooms: room created",
		"room_id", alloc.RoomID,
		"room", alloc.Room.String(),
		"signature", receipt.Signature.String(),
	)
	return CreatedRoom{Allocation: alloc, Receipt: receipt}, nil
}

func (c *Client) submitCreate(ctx context.Context, signer submit.Signer, creator solana.PublicKey, params CreateRoomParams) (Allocation, submit.Receipt, error) {
	alloc, err := c.cfg.Allocator.Allocate(ctx, creator)
	if err != nil {
		return Allocation{}, submit.Receipt{}, fmt.Errorf("failed to allocate room id: %w", err)
	}

	ix := onchain.BuildCreateRoom(onchain.CreateRoomParams{
		ProgramID:     c.cfg.ProgramID,
		Creator:       creator,
		Config:        c.config,
		Room:          alloc.Room,
		Vault:         alloc.Vault,
		RoomID:        alloc.RoomID,
		GameType:      params.GameType,
		MaxPlayers:    params.MaxPlayers,
		StakeLamports: params.StakeLamports,
	})

	receipt, err := c.cfg.Submitter.Submit(ctx, []solana.Instruction{ix}, signer)
	if err != nil {
		return alloc, submit.Receipt{}, err
	}
	return alloc, receipt, nil
}

// JoinRoom stakes into an existing open room.
func (c *Client) JoinRoom(ctx context.Context, signer submit.Signer, entry RoomEntry) (submit.Receipt, error) {
	if blocking, ok := c.cfg.View.BlockingRoom(); ok && !blocking.Address.Equals(entry.Address) {
		return submit.Receipt{}, &ErrBlockingRoom{Entry: blocking}
	}

	vault, err := onchain.DeriveVaultAddress(c.cfg.ProgramID, entry.Room.Creator, entry.Room.RoomID)
	if err != nil {
		return submit.Receipt{}, fmt.Errorf("failed to derive vault address: %w", err)
	}

	ix := onchain.BuildJoinRoom(onchain.JoinRoomParams{
		ProgramID: c.cfg.ProgramID,
		Player:    signer.PublicKey(),
		Config:    c.config,
		Room:      entry.Address,
		Vault:     vault,
	})

	receipt, err := c.cfg.Submitter.Submit(ctx, []solana.Instruction{ix}, signer)
	if err != nil {
		return submit.Receipt{}, err
	}

	c.log.Info("rooms: joined room", "room_id", entry.Room.RoomID, "signature", receipt.Signature.String())
	return receipt, nil
}

// CancelRoom refunds and closes a room the signer created while it is still
// waiting for opponents.
func (c *Client) CancelRoom(ctx context.Context, signer submit.Signer, entry RoomEntry) (submit.Receipt, error) {
	vault, err := onchain.DeriveVaultAddress(c.cfg.ProgramID, entry.Room.Creator, entry.Room.RoomID)
	if err != nil {
		return submit.Receipt{}, fmt.Errorf("failed to derive vault address: %w", err)
	}

	ix := onchain.BuildCancelRoom(onchain.CancelRoomParams{
		ProgramID: c.cfg.ProgramID,
		Creator:   signer.PublicKey(),
		Room:      entry.Address,
		Vault:     vault,
	})

	receipt, err := c.cfg.Submitter.Submit(ctx, []solana.Instruction{ix}, signer)
	if err != nil {
		return submit.Receipt{}, err
	}

	c.log.Info("rooms: cancelled room", "room_id", entry.Room.RoomID, "signature", receipt.Signature.String())
	c.cfg.View.Archive(entry.Room.RoomID)
	return receipt, nil
}
