package submit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// SimulationReason classifies a failed simulation so callers can fail fast
// with a useful message before any interactive signature is requested.
type SimulationReason string

const (
	// ReasonInsufficientFunds: the payer cannot cover the stake transfer
	// plus transaction fees.
	ReasonInsufficientFunds SimulationReason = "insufficient_funds"
	// ReasonInsufficientRent: the payer cannot cover rent-exemption for the
	// accounts the instruction creates.
	ReasonInsufficientRent SimulationReason = "insufficient_rent"
	// ReasonAddressInUse: a derived account address is already occupied,
	// i.e. the room id collided with a concurrent creator.
	ReasonAddressInUse SimulationReason = "address_in_use"
	// ReasonUnknown: none of the known patterns matched.
	ReasonUnknown SimulationReason = "unknown"
)

// SimulationError is returned when the pre-signature simulation fails.
type SimulationError struct {
	Reason SimulationReason
	TxErr  string
	Logs   []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("transaction simulation failed (%s): %s", e.Reason, e.TxErr)
}

// ExecutionError is returned when the ledger rejected a submitted
// transaction. Logs carry the program's full output for diagnosis.
type ExecutionError struct {
	Signature solana.Signature
	TxErr     string
	Logs      []string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("transaction %s failed on chain: %s", e.Signature, e.TxErr)
}

// ErrConfirmationExpired is returned when the blockhash validity window
// lapsed without the transaction landing.
var ErrConfirmationExpired = errors.New("submit: blockhash expired before confirmation")

// ClassifySimulation maps simulation output to a known failure reason.
// Order matters: the address-in-use pattern is checked first because the
// runtime also emits a lamports line for failed account creation.
func ClassifySimulation(txErr string, logs []string) SimulationReason {
	joined := strings.ToLower(txErr + "\n" + strings.Join(logs, "\n"))

	if strings.Contains(joined, "already in use") {
		return ReasonAddressInUse
	}
	// The runtime spells the rent error both ways: a bare
	// InsufficientFundsForRent transaction error and prose in program logs.
	if strings.Contains(joined, "insufficientfundsforrent") ||
		strings.Contains(joined, "insufficient funds for rent") ||
		strings.Contains(joined, "rent-exempt") {
		return ReasonInsufficientRent
	}
	if strings.Contains(joined, "insufficient lamports") ||
		strings.Contains(joined, "insufficient funds") {
		return ReasonInsufficientFunds
	}
	return ReasonUnknown
}

// IsAddressInUse reports whether err is a simulation or execution failure
// caused by a derived address collision. The room creation flow keys its
// single allocate-and-retry on this.
func IsAddressInUse(err error) bool {
	var simErr *SimulationError
	if errors.As(err, &simErr) {
		return simErr.Reason == ReasonAddressInUse
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return ClassifySimulation(execErr.TxErr, execErr.Logs) == ReasonAddressInUse
	}
	return false
}
