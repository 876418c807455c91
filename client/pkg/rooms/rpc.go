// Package rooms resolves and creates escrow rooms for a single wallet: a
// polled view of every room the wallet participates in, plus room id
// allocation and the create/join/cancel flows built on it.
package rooms

import (
	"context"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// ReadClient is the subset of the Solana RPC client the resolver and
// allocator need. *rpc.Client satisfies it; tests substitute a fake.
type ReadClient interface {
	GetProgramAccountsWithOpts(ctx context.Context, programID solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetMultipleAccounts(ctx context.Context, accounts ...solana.PublicKey) (*solanarpc.GetMultipleAccountsResult, error)
}
