// Package submit sends escrow program transactions through a
// simulate-then-sign pipeline: failures are classified before any
// interactive signer is invoked, and a sent transaction is waited out to the
// end of its blockhash validity window.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
)

// Config holds submitter configuration.
type Config struct {
	Logger *slog.Logger
	Client Client
	Clock  clockwork.Clock

	// Commitment is the confirmation level Submit waits for.
	Commitment solanarpc.CommitmentType
	// ConfirmPollInterval is the delay between signature status polls.
	ConfirmPollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = time.Second
	}
	return nil
}

// Receipt is the result of a confirmed submission.
type Receipt struct {
	Signature solana.Signature
	Slot      uint64
}

// Submitter drives the simulate/sign/send/confirm pipeline.
type Submitter struct {
	log *slog.Logger
	cfg Config
}

// New creates a submitter.
func New(cfg Config) (*Submitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Submitter{log: cfg.Logger, cfg: cfg}, nil
}

// Submit assembles a transaction from instructions, simulates it, signs it
// with whichever call convention the signer supports, sends it, and waits
// for confirmation. The signer is never invoked if simulation fails.
func (s *Submitter) Submit(ctx context.Context, instructions []solana.Instruction, signer Signer) (Receipt, error) {
	if len(instructions) == 0 {
		return Receipt{}, errors.New("no instructions to submit")
	}

	blockhash, err := s.cfg.Client.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to fetch recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to assemble transaction: %w", err)
	}

	if err := s.simulate(ctx, tx); err != nil {
		return Receipt{}, err
	}

	if err := s.sign(ctx, tx, signer); err != nil {
		return Receipt{}, err
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to serialize transaction: %w", err)
	}

	sig, err := s.cfg.Client.SendRawTransactionWithOpts(ctx, raw, solanarpc.TransactionOpts{
		// Preflight already happened above, against classified patterns.
		SkipPreflight:       true,
		PreflightCommitment: s.cfg.Commitment,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	s.log.Debug("submit: transaction sent", "signature", sig.String())

	return s.confirm(ctx, sig, blockhash.Value.LastValidBlockHeight)
}

// simulate runs the transaction without signature verification and converts
// a failure into a classified SimulationError.
func (s *Submitter) simulate(ctx context.Context, tx *solana.Transaction) error {
	// The wire format requires one signature slot per required signer even
	// when verification is disabled.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	resp, err := s.cfg.Client.SimulateTransactionWithOpts(ctx, tx, &solanarpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: s.cfg.Commitment,
	})
	if err != nil {
		return fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if resp.Value == nil || resp.Value.Err == nil {
		return nil
	}

	txErr := fmt.Sprintf("%v", resp.Value.Err)
	reason := ClassifySimulation(txErr, resp.Value.Logs)
	s.log.Warn("submit: simulation failed", "reason", string(reason), "err", txErr)
	return &SimulationError{Reason: reason, TxErr: txErr, Logs: resp.Value.Logs}
}

// sign invokes the signer using whichever convention it implements and
// normalizes the signature it produced onto the transaction.
func (s *Submitter) sign(ctx context.Context, tx *solana.Transaction, signer Signer) error {
	switch sg := signer.(type) {
	case TransactionSigner:
		signed, err := sg.SignTransaction(ctx, tx)
		if err != nil {
			return fmt.Errorf("signer rejected transaction: %w", err)
		}
		*tx = *signed
		return nil
	case MessageSigner:
		msg, err := tx.Message.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to serialize message for signing: %w", err)
		}
		raw, err := sg.SignMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("signer rejected message: %w", err)
		}
		sig, err := NormalizeSignature(raw)
		if err != nil {
			return fmt.Errorf("signer returned an unusable signature: %w", err)
		}
		tx.Signatures = []solana.Signature{sig}
		return nil
	default:
		return fmt.Errorf("signer %T implements neither signing convention", signer)
	}
}

// confirm polls the signature status until the transaction lands or the
// blockhash validity window lapses. A sent transaction is never abandoned
// early; an unconfirmed send might still land.
func (s *Submitter) confirm(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) (Receipt, error) {
	for {
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-s.cfg.Clock.After(s.cfg.ConfirmPollInterval):
		}

		statuses, err := s.cfg.Client.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			s.log.Debug("submit: status poll failed", "error", err)
			continue
		}

		if len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return Receipt{}, &ExecutionError{
					Signature: sig,
					TxErr:     fmt.Sprintf("%v", status.Err),
					Logs:      s.fetchLogs(ctx, sig),
				}
			}
			if confirmedAt(status.ConfirmationStatus, s.cfg.Commitment) {
				s.log.Debug("submit: transaction confirmed", "signature", sig.String(), "slot", status.Slot)
				return Receipt{Signature: sig, Slot: status.Slot}, nil
			}
			continue
		}

		height, err := s.cfg.Client.GetBlockHeight(ctx, s.cfg.Commitment)
		if err != nil {
			continue
		}
		if height > lastValidBlockHeight {
			return Receipt{}, fmt.Errorf("%w: signature %s", ErrConfirmationExpired, sig)
		}
	}
}

// fetchLogs retrieves the program log output of a failed transaction.
// Best effort: a failed settlement must still surface even if the log fetch
// itself errors.
func (s *Submitter) fetchLogs(ctx context.Context, sig solana.Signature) []string {
	res, err := s.cfg.Client.GetTransaction(ctx, sig, &solanarpc.GetTransactionOpts{
		Commitment: s.cfg.Commitment,
	})
	if err != nil || res == nil || res.Meta == nil {
		return nil
	}
	return res.Meta.LogMessages
}

func confirmedAt(status solanarpc.ConfirmationStatusType, want solanarpc.CommitmentType) bool {
	switch want {
	case solanarpc.CommitmentFinalized:
		return status == solanarpc.ConfirmationStatusFinalized
	default:
		return status == solanarpc.ConfirmationStatusConfirmed || status == solanarpc.ConfirmationStatusFinalized
	}
}
