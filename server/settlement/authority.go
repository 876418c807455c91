package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/stakematch/arena/client/pkg/submit"
	"github.com/stakematch/arena/onchain"
	"github.com/stakematch/arena/server/metrics"
)

// Mode selects which forfeit variant the caller is invoking.
type Mode string

const (
	// ModeManual: the caller concedes the match.
	ModeManual Mode = "manual"
	// ModeTimeout: the caller claims the win because the opponent has been
	// idle past the timeout threshold.
	ModeTimeout Mode = "timeout"
)

// Outcome is the settlement response vocabulary.
type Outcome string

const (
	OutcomeEliminated      Outcome = "eliminated"
	OutcomeForfeit         Outcome = "forfeit"
	OutcomeNeedsSettlement Outcome = "needs_settlement"
	OutcomeCanCancel       Outcome = "can_cancel"
	OutcomeAlreadyResolved Outcome = "already_resolved"
	OutcomeForceSettled    Outcome = "force_settled"
)

// Result reports what the authority did for a settlement request. Success
// is false only when a settlement transaction failed and the room was
// parked in needs_settlement; callers branch on it without inspecting the
// outcome vocabulary.
type Result struct {
	Success     bool    `json:"success"`
	Outcome     Outcome `json:"outcome"`
	Winner      string  `json:"winner,omitempty"`
	TxSignature string  `json:"tx_signature,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Typed precondition failures; handlers map these to 4xx responses.
var (
	ErrNotParticipant    = errors.New("settlement: caller is not a participant of the room")
	ErrTimeoutNotDue     = errors.New("settlement: opponent has not been idle long enough")
	ErrTimeoutMultiParty = errors.New("settlement: timeout claims are only valid once two players remain")
	ErrVerifierKey       = errors.New("settlement: server key does not match the on-chain verifier")
	ErrNothingToSettle   = errors.New("settlement: nothing to settle")
)

// AuthorityStore is the mirror-store surface the authority needs.
// *Store satisfies it; unit tests substitute a fake.
type AuthorityStore interface {
	GetSession(ctx context.Context, roomPDA string) (*GameSession, error)
	AppendElimination(ctx context.Context, roomPDA, wallet string) error
	MarkFinished(ctx context.Context, roomPDA string) error
	MarkNeedsSettlement(ctx context.Context, roomPDA, intendedWinner, settlementErr, failedSig string) error
	InsertMatchResult(ctx context.Context, mr MatchResult) (bool, error)
}

// TxSubmitter is the submission pipeline the authority signs through.
type TxSubmitter interface {
	Submit(ctx context.Context, instructions []solana.Instruction, signer submit.Signer) (submit.Receipt, error)
}

// AuthorityConfig configures the settlement authority.
type AuthorityConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Store     AuthorityStore
	Ledger    LedgerReader
	Submitter TxSubmitter

	ProgramID solana.PublicKey
	// Verifier is the server's settlement key. Settlement transactions are
	// signed with this key and no other.
	Verifier solana.PrivateKey

	// TimeoutThreshold gates timeout-mode forfeits on opponent idleness.
	TimeoutThreshold time.Duration
}

func (cfg *AuthorityConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("mirror store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger reader is required")
	}
	if cfg.Submitter == nil {
		return errors.New("submitter is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if len(cfg.Verifier) == 0 {
		return errors.New("verifier key is required")
	}
	if cfg.TimeoutThreshold <= 0 {
		cfg.TimeoutThreshold = 2 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authority decides match outcomes and signs settlement transactions with
// the verifier key.
type Authority struct {
	log    *slog.Logger
	cfg    AuthorityConfig
	signer *submit.LocalSigner
	config solana.PublicKey // program config PDA
}

func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	configAddr, err := onchain.DeriveConfigAddress(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive config address: %w", err)
	}
	return &Authority{
		log:    cfg.Logger,
		cfg:    cfg,
		signer: submit.NewLocalSigner(cfg.Verifier),
		config: configAddr,
	}, nil
}

// VerifyOnchainKey checks the server key against the on-chain config
// verifier. Run at startup: a mismatched key would sign transactions the
// program rejects.
func (a *Authority) VerifyOnchainKey(ctx context.Context) error {
	cfg, err := a.cfg.Ledger.FetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch program config: %w", err)
	}
	if !cfg.Verifier.Equals(a.cfg.Verifier.PublicKey()) {
		return fmt.Errorf("%w: on-chain %s, server %s",
			ErrVerifierKey, cfg.Verifier, a.cfg.Verifier.PublicKey())
	}
	return nil
}

// Forfeit resolves a forfeit request from wallet for the given room. The
// caller's identity comes from the verified session, never the request
// body.
func (a *Authority) Forfeit(ctx context.Context, wallet string, roomPDA solana.PublicKey, mode Mode) (Result, error) {
	room, err := a.cfg.Ledger.FetchRoom(ctx, roomPDA)
	if err != nil {
		return Result{}, err
	}

	// Terminal on chain means there is nothing left to decide.
	if room.Status.Terminal() {
		return Result{Success: true, Outcome: OutcomeAlreadyResolved}, nil
	}

	walletKey, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return Result{}, fmt.Errorf("invalid wallet address %q: %w", wallet, err)
	}
	if !room.HasPlayer(walletKey) {
		return Result{}, ErrNotParticipant
	}

	// A creator alone in their room refunds through cancellation, not
	// settlement.
	if len(room.Players) < 2 {
		return Result{Success: true, Outcome: OutcomeCanCancel}, nil
	}

	session, err := a.cfg.Store.GetSession(ctx, roomPDA.String())
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return Result{}, err
	}

	var remaining []string
	if session != nil {
		switch session.Status {
		case StatusFinished, StatusNeedsSettlement:
			return Result{Success: true, Outcome: OutcomeAlreadyResolved}, nil
		}
		remaining = session.Remaining()
	} else {
		for _, p := range room.Players {
			remaining = append(remaining, p.String())
		}
	}

	if !contains(remaining, wallet) {
		return Result{}, ErrNotParticipant
	}

	// Multi-party rooms shrink off chain until two players remain; only
	// the final head-to-head settles on the ledger. Elimination is a
	// concession, so it applies to manual forfeits only: a timeout claimant
	// is asserting a win, not quitting.
	if len(remaining) > 2 {
		if mode == ModeTimeout {
			return Result{}, ErrTimeoutMultiParty
		}
		if err := a.cfg.Store.AppendElimination(ctx, roomPDA.String(), wallet); err != nil {
			return Result{}, err
		}
		a.log.Info("settlement: player eliminated", "room", roomPDA.String(), "wallet", wallet)
		metrics.SettlementsTotal.WithLabelValues(string(OutcomeEliminated)).Inc()
		return Result{Success: true, Outcome: OutcomeEliminated}, nil
	}

	winner, err := a.pickWinner(wallet, remaining, mode, session)
	if err != nil {
		return Result{}, err
	}

	return a.settle(ctx, room, roomPDA, winner, string(mode), OutcomeForfeit)
}

// pickWinner applies the mode semantics: a manual forfeit concedes to the
// other remaining player; a timeout claim awards the caller, gated on the
// opponent's idleness.
func (a *Authority) pickWinner(wallet string, remaining []string, mode Mode, session *GameSession) (string, error) {
	switch mode {
	case ModeTimeout:
		// Without a mirror row there is no activity evidence at all; fail
		// closed rather than award a stake on an unverifiable claim.
		if session == nil {
			return "", fmt.Errorf("%w: no activity record for the room", ErrTimeoutNotDue)
		}
		if a.cfg.Clock.Now().Sub(session.LastActionAt) < a.cfg.TimeoutThreshold {
			return "", ErrTimeoutNotDue
		}
		return wallet, nil
	case ModeManual:
		for _, p := range remaining {
			if p != wallet {
				return p, nil
			}
		}
		return "", ErrNotParticipant
	default:
		return "", fmt.Errorf("unknown forfeit mode %q", mode)
	}
}

// ForceSettle replays a stuck settlement from the internal endpoint. An
// empty winnerOverride settles to the recorded intended winner.
func (a *Authority) ForceSettle(ctx context.Context, roomPDA solana.PublicKey, winnerOverride string) (Result, error) {
	room, err := a.cfg.Ledger.FetchRoom(ctx, roomPDA)
	if err != nil {
		return Result{}, err
	}
	if room.Status.Terminal() {
		return Result{Success: true, Outcome: OutcomeAlreadyResolved}, nil
	}

	winner := winnerOverride
	if winner == "" {
		session, err := a.cfg.Store.GetSession(ctx, roomPDA.String())
		if err != nil {
			return Result{}, err
		}
		if session.IntendedWinner == nil {
			return Result{}, fmt.Errorf("%w: no intended winner recorded for %s", ErrNothingToSettle, roomPDA)
		}
		winner = *session.IntendedWinner
	}

	return a.settle(ctx, room, roomPDA, winner, string(ModeManual), OutcomeForceSettled)
}

// settle submits the result transaction signed solely by the verifier key
// and persists the outcome. A failed submission parks the room in
// needs_settlement with everything an operator needs to replay it.
func (a *Authority) settle(ctx context.Context, room onchain.Room, roomPDA solana.PublicKey, winner, mode string, success Outcome) (Result, error) {
	winnerKey, err := solana.PublicKeyFromBase58(winner)
	if err != nil {
		return Result{}, fmt.Errorf("invalid winner address %q: %w", winner, err)
	}
	if !room.HasPlayer(winnerKey) {
		return Result{}, fmt.Errorf("%w: winner %s", ErrNotParticipant, winner)
	}

	// The fee rate and recipient come from the on-chain config; nothing is
	// hardcoded server side.
	programConfig, err := a.cfg.Ledger.FetchConfig(ctx)
	if err != nil {
		return Result{}, err
	}

	vault, err := onchain.DeriveVaultAddress(a.cfg.ProgramID, room.Creator, room.RoomID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to derive vault address: %w", err)
	}

	ix := onchain.BuildSubmitResult(onchain.SubmitResultParams{
		ProgramID:    a.cfg.ProgramID,
		Verifier:     a.signer.PublicKey(),
		Config:       a.config,
		Room:         roomPDA,
		Vault:        vault,
		Winner:       winnerKey,
		FeeRecipient: programConfig.FeeRecipient,
	})

	span := sentry.StartSpan(ctx, "settlement.submit", sentry.WithDescription(fmt.Sprintf("settle %s", roomPDA)))
	receipt, err := a.cfg.Submitter.Submit(ctx, []solana.Instruction{ix}, a.signer)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		span.Finish()
		var failedSig string
		var execErr *submit.ExecutionError
		if errors.As(err, &execErr) {
			failedSig = execErr.Signature.String()
		}
		if storeErr := a.cfg.Store.MarkNeedsSettlement(ctx, roomPDA.String(), winner, err.Error(), failedSig); storeErr != nil {
			a.log.Error("settlement: failed to record needs_settlement", "room", roomPDA.String(), "error", storeErr)
		}
		a.log.Error("settlement: submission failed",
			"room", roomPDA.String(), "winner", winner, "error", err)
		metrics.SettlementsTotal.WithLabelValues(string(OutcomeNeedsSettlement)).Inc()
		return Result{Success: false, Outcome: OutcomeNeedsSettlement, Winner: winner, Error: err.Error()}, nil
	}
	span.Status = sentry.SpanStatusOK
	span.Finish()

	inserted, err := a.cfg.Store.InsertMatchResult(ctx, MatchResult{
		RoomPDA:       roomPDA.String(),
		RoomID:        int64(room.RoomID),
		Winner:        winner,
		Mode:          mode,
		GameType:      uint8(room.GameType),
		StakeLamports: room.StakeLamports,
		Players:       playerStrings(room.Players),
		TxSignature:   receipt.Signature.String(),
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		a.log.Warn("settlement: match result already recorded", "room", roomPDA.String())
	}

	if err := a.cfg.Store.MarkFinished(ctx, roomPDA.String()); err != nil {
		return Result{}, err
	}

	a.log.Info("settlement: match settled",
		"room", roomPDA.String(),
		"winner", winner,
		"mode", mode,
		"signature", receipt.Signature.String(),
	)
	metrics.SettlementsTotal.WithLabelValues(string(success)).Inc()
	return Result{Success: true, Outcome: success, Winner: winner, TxSignature: receipt.Signature.String()}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func playerStrings(players []solana.PublicKey) []string {
	out := make([]string, len(players))
	for i, p := range players {
		out[i] = p.String()
	}
	return out
}
