package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/stakematch/arena/onchain"
)

// RoomEntry is a decoded room together with its address.
type RoomEntry struct {
	Address solana.PublicKey
	Room    onchain.Room
}

// ViewConfig configures the active-room resolver.
type ViewConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	RPC    ReadClient

	// Wallet is the participant whose rooms the view resolves.
	Wallet    solana.PublicKey
	ProgramID solana.PublicKey

	RefreshInterval time.Duration
	// ReconnectDebounce delays the refresh triggered by NudgeAfterReconnect
	// so a flapping connection does not hammer the RPC node.
	ReconnectDebounce time.Duration
}

func (cfg *ViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc read client is required")
	}
	if cfg.Wallet.IsZero() {
		return errors.New("wallet is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.ReconnectDebounce <= 0 {
		cfg.ReconnectDebounce = 500 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// View maintains a periodically refreshed snapshot of every room the wallet
// participates in. One instance owns the snapshot; reads are cheap copies.
type View struct {
	log *slog.Logger
	cfg ViewConfig

	inFlight   bool
	inFlightMu sync.Mutex

	mu       sync.RWMutex
	rooms    []RoomEntry
	archived map[uint64]struct{}

	nudgeMu      sync.Mutex
	nudgePending bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewView(cfg ViewConfig) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &View{
		log:      cfg.Logger,
		cfg:      cfg,
		archived: make(map[uint64]struct{}),
		readyCh:  make(chan struct{}),
	}, nil
}

func (v *View) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for room view: %w", ctx.Err())
	}
}

// Start launches the refresh loop. It returns immediately; readiness is
// signalled after the first successful refresh.
func (v *View) Start(ctx context.Context) {
	go func() {
		v.log.Info("rooms: starting refresh loop", "interval", v.cfg.RefreshInterval)

		v.safeRefresh(ctx)

		ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				v.safeRefresh(ctx)
			}
		}
	}()
}

func (v *View) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("rooms: refresh panicked", "panic", r)
		}
	}()

	if err := v.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		v.log.Error("rooms: refresh failed", "error", err)
	}
}

// Refresh rescans the ledger for the wallet's rooms and atomically replaces
// the snapshot. Overlapping calls are dropped rather than queued; the next
// tick rescans anyway.
func (v *View) Refresh(ctx context.Context) error {
	v.inFlightMu.Lock()
	if v.inFlight {
		v.inFlightMu.Unlock()
		v.log.Debug("rooms: refresh already in flight, skipping")
		return nil
	}
	v.inFlight = true
	v.inFlightMu.Unlock()
	defer func() {
		v.inFlightMu.Lock()
		v.inFlight = false
		v.inFlightMu.Unlock()
	}()

	start := time.Now()
	entries, err := v.scan(ctx)
	if err != nil {
		return err
	}

	sortEntries(entries)

	v.mu.Lock()
	filtered := entries[:0]
	for _, e := range entries {
		if _, ok := v.archived[e.Room.RoomID]; ok {
			continue
		}
		filtered = append(filtered, e)
	}
	v.rooms = filtered
	v.mu.Unlock()

	v.readyOnce.Do(func() {
		close(v.readyCh)
		v.log.Info("rooms: view is now ready")
	})

	v.log.Debug("rooms: refresh completed", "rooms", len(filtered), "duration", time.Since(start).String())
	return nil
}

// scan fetches the wallet's rooms with one memcmp query per player slot,
// running the four scans in parallel and deduplicating by address.
func (v *View) scan(ctx context.Context) ([]RoomEntry, error) {
	results := make([]solanarpc.GetProgramAccountsResult, onchain.MaxRoomPlayers)

	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < onchain.MaxRoomPlayers; slot++ {
		g.Go(func() error {
			out, err := v.cfg.RPC.GetProgramAccountsWithOpts(gctx, v.cfg.ProgramID, &solanarpc.GetProgramAccountsOpts{
				Commitment: solanarpc.CommitmentConfirmed,
				Filters: []solanarpc.RPCFilter{
					{DataSize: onchain.RoomAccountSize},
					{Memcmp: &solanarpc.RPCFilterMemcmp{
						Offset: onchain.PlayerSlotOffset(slot),
						Bytes:  solana.Base58(v.cfg.Wallet.Bytes()),
					}},
				},
			})
			if err != nil {
				return fmt.Errorf("failed to scan player slot %d: %w", slot, err)
			}
			results[slot] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[solana.PublicKey]struct{})
	var entries []RoomEntry
	for _, res := range results {
		for _, keyed := range res {
			if keyed == nil || keyed.Account == nil {
				continue
			}
			if _, ok := seen[keyed.Pubkey]; ok {
				continue
			}
			seen[keyed.Pubkey] = struct{}{}

			room, err := onchain.DecodeRoom(keyed.Account.Data.GetBinary())
			if err != nil {
				// A foreign account matching the filters by accident is not
				// worth failing the whole refresh over.
				v.log.Warn("rooms: skipping undecodable account", "address", keyed.Pubkey.String(), "error", err)
				continue
			}
			entries = append(entries, RoomEntry{Address: keyed.Pubkey, Room: room})
		}
	}
	return entries, nil
}

// sortEntries orders Started rooms before everything else, then higher room
// ids (newest) first within each group.
func sortEntries(entries []RoomEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		si := entries[i].Room.Status == onchain.RoomStatusStarted
		sj := entries[j].Room.Status == onchain.RoomStatusStarted
		if si != sj {
			return si
		}
		return entries[i].Room.RoomID > entries[j].Room.RoomID
	})
}

// Rooms returns a copy of the current snapshot.
func (v *View) Rooms() []RoomEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]RoomEntry, len(v.rooms))
	copy(out, v.rooms)
	return out
}

// BlockingRoom returns the room that prevents the wallet from creating or
// joining another, i.e. the first Open or Started room in the snapshot.
func (v *View) BlockingRoom() (RoomEntry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, e := range v.rooms {
		if e.Room.Status == onchain.RoomStatusOpen || e.Room.Status == onchain.RoomStatusStarted {
			return e, true
		}
	}
	return RoomEntry{}, false
}

// Archive hides a room id from the snapshot. The ledger account is
// untouched; terminal rooms the wallet has dismissed stay dismissed across
// refreshes.
func (v *View) Archive(roomID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.archived[roomID] = struct{}{}
	kept := v.rooms[:0]
	for _, e := range v.rooms {
		if e.Room.RoomID == roomID {
			continue
		}
		kept = append(kept, e)
	}
	v.rooms = kept
}

// NudgeAfterReconnect schedules a refresh shortly after connectivity
// returns. Multiple nudges within the debounce window collapse into one
// refresh.
func (v *View) NudgeAfterReconnect(ctx context.Context) {
	v.nudgeMu.Lock()
	if v.nudgePending {
		v.nudgeMu.Unlock()
		return
	}
	v.nudgePending = true
	v.nudgeMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-v.cfg.Clock.After(v.cfg.ReconnectDebounce):
			v.safeRefresh(ctx)
		}
		v.nudgeMu.Lock()
		v.nudgePending = false
		v.nudgeMu.Unlock()
	}()
}
