package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/stakematch/arena/onchain"
)

// maxAllocateAttempts bounds candidate draws per Allocate call. Collisions
// at probe time are vanishingly rare under the id scheme, so hitting this
// limit indicates a misbehaving RPC node rather than genuine contention.
const maxAllocateAttempts = 5

// ErrAllocationExhausted is returned when no free room id was found within
// the attempt budget.
var ErrAllocationExhausted = errors.New("rooms: exhausted room id allocation attempts")

// Allocation is a room id together with the addresses derived from it.
type Allocation struct {
	RoomID uint64
	Room   solana.PublicKey
	Vault  solana.PublicKey
}

// Allocator picks candidate room ids and verifies both derived addresses
// are unoccupied on the ledger. There is no locking: two creators can race
// the same id between probe and submission, which the create flow resolves
// with a single classified retry.
type AllocatorConfig struct {
	Logger *slog.Logger
	RPC    ReadClient

	ProgramID solana.PublicKey

	// now and randIntn are swappable for tests.
	now      func() time.Time
	randIntn func(n int) int
}

func (cfg *AllocatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc read client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.randIntn == nil {
		cfg.randIntn = rand.Intn
	}
	return nil
}

type Allocator struct {
	log *slog.Logger
	cfg AllocatorConfig
}

func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Allocator{log: cfg.Logger, cfg: cfg}, nil
}

// candidateID draws a fresh room id. Millisecond timestamp scaled by 1000
// plus a random sub-millisecond component: ids stay inside int64 range for
// the server's bigint mirror column, stay unique across concurrent creators
// with high probability, and sort newest-first by magnitude.
func (a *Allocator) candidateID() uint64 {
	return uint64(a.cfg.now().UnixMilli())*1000 + uint64(a.cfg.randIntn(1000))
}

// Allocate returns a room id whose room and vault addresses are both absent
// from the ledger at probe time.
func (a *Allocator) Allocate(ctx context.Context, creator solana.PublicKey) (Allocation, error) {
	for attempt := 0; attempt < maxAllocateAttempts; attempt++ {
		id := a.candidateID()

		addrs, err := onchain.DeriveRoomAddresses(a.cfg.ProgramID, creator, id)
		if err != nil {
			return Allocation{}, fmt.Errorf("failed to derive room addresses for id %d: %w", id, err)
		}

		res, err := a.cfg.RPC.GetMultipleAccounts(ctx, addrs.Room, addrs.Vault)
		if err != nil {
			return Allocation{}, fmt.Errorf("failed to probe room addresses: %w", err)
		}
		if occupied(res) {
			a.log.Debug("rooms: candidate room id occupied, redrawing", "room_id", id)
			continue
		}

		return Allocation{RoomID: id, Room: addrs.Room, Vault: addrs.Vault}, nil
	}
	return Allocation{}, ErrAllocationExhausted
}

// occupied reports whether any probed account already exists.
func occupied(res *solanarpc.GetMultipleAccountsResult) bool {
	if res == nil {
		return false
	}
	for _, acc := range res.Value {
		if acc != nil {
			return true
		}
	}
	return false
}
