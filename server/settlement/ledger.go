package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/stakematch/arena/onchain"
	"github.com/stakematch/arena/utils/pkg/retry"
)

// ErrRoomNotFound is returned when the room account does not exist on the
// ledger.
var ErrRoomNotFound = errors.New("settlement: room account not found")

// LedgerReader reads escrow program accounts. The ledger stays the
// authority for funds and room state; the mirror store never overrides it.
type LedgerReader interface {
	FetchRoom(ctx context.Context, room solana.PublicKey) (onchain.Room, error)
	FetchConfig(ctx context.Context) (onchain.GameConfig, error)
}

// AccountFetcher is the subset of the Solana RPC client the ledger reader
// needs.
type AccountFetcher interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
}

// Ledger reads and decodes program accounts over RPC.
type Ledger struct {
	rpc       AccountFetcher
	programID solana.PublicKey
	config    solana.PublicKey
}

func NewLedger(rpc AccountFetcher, programID solana.PublicKey) (*Ledger, error) {
	if rpc == nil {
		return nil, errors.New("rpc client is required")
	}
	if programID.IsZero() {
		return nil, errors.New("program id is required")
	}
	configAddr, err := onchain.DeriveConfigAddress(programID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive config address: %w", err)
	}
	return &Ledger{rpc: rpc, programID: programID, config: configAddr}, nil
}

func (l *Ledger) FetchRoom(ctx context.Context, room solana.PublicKey) (onchain.Room, error) {
	res, err := l.fetchAccount(ctx, room)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return onchain.Room{}, ErrRoomNotFound
		}
		return onchain.Room{}, fmt.Errorf("failed to fetch room account: %w", err)
	}
	if res == nil || res.Value == nil {
		return onchain.Room{}, ErrRoomNotFound
	}

	decoded, err := onchain.DecodeRoom(res.Value.Data.GetBinary())
	if err != nil {
		return onchain.Room{}, fmt.Errorf("failed to decode room account %s: %w", room, err)
	}
	return decoded, nil
}

func (l *Ledger) FetchConfig(ctx context.Context) (onchain.GameConfig, error) {
	res, err := l.fetchAccount(ctx, l.config)
	if err != nil {
		return onchain.GameConfig{}, fmt.Errorf("failed to fetch program config account: %w", err)
	}
	if res == nil || res.Value == nil {
		return onchain.GameConfig{}, errors.New("program config account not found")
	}

	decoded, err := onchain.DecodeConfig(res.Value.Data.GetBinary())
	if err != nil {
		return onchain.GameConfig{}, fmt.Errorf("failed to decode program config: %w", err)
	}
	return decoded, nil
}

// fetchAccount reads one account with retries for transient RPC failures.
// ErrNotFound passes through untouched so callers can map it.
func (l *Ledger) fetchAccount(ctx context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
	var res *solanarpc.GetAccountInfoResult
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		res, err = l.rpc.GetAccountInfoWithOpts(ctx, account, &solanarpc.GetAccountInfoOpts{
			Commitment: solanarpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
