package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stakematch/arena/client/pkg/submit"
	"github.com/stakematch/arena/onchain"
	arenatesting "github.com/stakematch/arena/utils/pkg/testing"
)

// fakeSubmitter records submissions and fails according to a script.
type fakeSubmitter struct {
	errs  []error // consumed one per call; nil entry means success
	calls []solana.Instruction
}

func (f *fakeSubmitter) Submit(ctx context.Context, instructions []solana.Instruction, signer submit.Signer) (submit.Receipt, error) {
	f.calls = append(f.calls, instructions...)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return submit.Receipt{}, err
	}
	return submit.Receipt{Signature: solana.Signature{1}, Slot: 10}, nil
}

func addressInUse() error {
	return &submit.SimulationError{
		Reason: submit.ReasonAddressInUse,
		TxErr:  "InstructionError(0, Custom(0))",
	}
}

func newTestClient(t *testing.T, view *View, sub TxSubmitter, clock clockwork.Clock) *Client {
	t.Helper()
	alloc := newTestAllocator(t, &fakeReadClient{}, time.UnixMilli(1724117025123), []int{1, 2, 3})
	c, err := NewClient(ClientConfig{
		Logger:    arenatesting.NewLogger(),
		Clock:     clock,
		View:      view,
		Allocator: alloc,
		Submitter: sub,
		ProgramID: testProgramID,
	})
	require.NoError(t, err)
	return c
}

func emptyView(t *testing.T) *View {
	t.Helper()
	return newTestView(t, &fakeReadClient{}, solana.NewWallet().PublicKey(), clockwork.NewFakeClock())
}

func viewWithBlockingRoom(t *testing.T, wallet solana.PublicKey) *View {
	t.Helper()
	v := emptyView(t)
	v.rooms = []RoomEntry{{
		Address: solana.NewWallet().PublicKey(),
		Room: onchain.Room{
			RoomID: 99, Creator: wallet, Status: onchain.RoomStatusOpen,
			MaxPlayers: 2, PlayerCount: 1, Players: []solana.PublicKey{wallet},
		},
	}}
	return v
}

func TestArena_Rooms_CreateRoom(t *testing.T) {
	t.Parallel()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := submit.NewLocalSigner(key)
	params := CreateRoomParams{GameType: onchain.GameTypeRanked, MaxPlayers: 2, StakeLamports: 50_000_000}

	t.Run("succeeds when no room blocks", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{}
		c := newTestClient(t, emptyView(t), sub, clockwork.NewFakeClock())

		created, err := c.CreateRoom(context.Background(), signer, params)
		require.NoError(t, err)
		require.NotZero(t, created.Allocation.RoomID)
		require.Equal(t, solana.Signature{1}, created.Receipt.Signature)
		require.Len(t, sub.calls, 1)
		require.Equal(t, testProgramID, sub.calls[0].ProgramID())
	})

	t.Run("refused while a room blocks", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{}
		c := newTestClient(t, viewWithBlockingRoom(t, signer.PublicKey()), sub, clockwork.NewFakeClock())

		_, err := c.CreateRoom(context.Background(), signer, params)
		var blockErr *ErrBlockingRoom
		require.ErrorAs(t, err, &blockErr)
		require.Equal(t, uint64(99), blockErr.Entry.Room.RoomID)
		require.Empty(t, sub.calls, "no transaction attempted")
	})

	t.Run("retries exactly once on address collision", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{errs: []error{addressInUse(), nil}}
		clock := clockwork.NewFakeClock()
		c := newTestClient(t, emptyView(t), sub, clock)

		type result struct {
			created CreatedRoom
			err     error
		}
		done := make(chan result, 1)
		go func() {
			created, err := c.CreateRoom(context.Background(), signer, params)
			done <- result{created, err}
		}()

		// The flow parks on the collision backoff before redrawing.
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(500 * time.Millisecond)

		res := <-done
		require.NoError(t, res.err)
		require.Len(t, sub.calls, 2)
	})

	t.Run("second collision aborts", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{errs: []error{addressInUse(), addressInUse()}}
		clock := clockwork.NewFakeClock()
		c := newTestClient(t, emptyView(t), sub, clock)

		done := make(chan error, 1)
		go func() {
			_, err := c.CreateRoom(context.Background(), signer, params)
			done <- err
		}()

		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
		clock.Advance(500 * time.Millisecond)

		require.ErrorIs(t, <-done, ErrRoomIDCollision)
		require.Len(t, sub.calls, 2, "no third attempt")
	})

	t.Run("non-collision failure is not retried", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{errs: []error{&submit.SimulationError{Reason: submit.ReasonInsufficientFunds}}}
		c := newTestClient(t, emptyView(t), sub, clockwork.NewFakeClock())

		_, err := c.CreateRoom(context.Background(), signer, params)
		var simErr *submit.SimulationError
		require.ErrorAs(t, err, &simErr)
		require.Equal(t, submit.ReasonInsufficientFunds, simErr.Reason)
		require.Len(t, sub.calls, 1)
	})
}

func TestArena_Rooms_JoinRoom(t *testing.T) {
	t.Parallel()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := submit.NewLocalSigner(key)

	creator := solana.NewWallet().PublicKey()
	roomAddr, err := onchain.DeriveRoomAddress(testProgramID, creator, 123)
	require.NoError(t, err)
	entry := RoomEntry{
		Address: roomAddr,
		Room: onchain.Room{
			RoomID: 123, Creator: creator, Status: onchain.RoomStatusOpen,
			MaxPlayers: 2, PlayerCount: 1, Players: []solana.PublicKey{creator},
		},
	}

	t.Run("succeeds", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{}
		c := newTestClient(t, emptyView(t), sub, clockwork.NewFakeClock())

		receipt, err := c.JoinRoom(context.Background(), signer, entry)
		require.NoError(t, err)
		require.Equal(t, solana.Signature{1}, receipt.Signature)
		require.Len(t, sub.calls, 1)
	})

	t.Run("refused while another room blocks", func(t *testing.T) {
		t.Parallel()

		sub := &fakeSubmitter{}
		c := newTestClient(t, viewWithBlockingRoom(t, signer.PublicKey()), sub, clockwork.NewFakeClock())

		_, err := c.JoinRoom(context.Background(), signer, entry)
		var blockErr *ErrBlockingRoom
		require.ErrorAs(t, err, &blockErr)
		require.Empty(t, sub.calls)
	})

	t.Run("rejoining the blocking room itself is allowed", func(t *testing.T) {
		t.Parallel()

		v := emptyView(t)
		v.rooms = []RoomEntry{entry}
		sub := &fakeSubmitter{}
		c := newTestClient(t, v, sub, clockwork.NewFakeClock())

		_, err := c.JoinRoom(context.Background(), signer, entry)
		require.NoError(t, err)
	})
}

func TestArena_Rooms_CancelRoom(t *testing.T) {
	t.Parallel()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer := submit.NewLocalSigner(key)
	creator := signer.PublicKey()

	roomAddr, err := onchain.DeriveRoomAddress(testProgramID, creator, 555)
	require.NoError(t, err)
	entry := RoomEntry{
		Address: roomAddr,
		Room: onchain.Room{
			RoomID: 555, Creator: creator, Status: onchain.RoomStatusOpen,
			MaxPlayers: 2, PlayerCount: 1, Players: []solana.PublicKey{creator},
		},
	}

	v := emptyView(t)
	v.rooms = []RoomEntry{entry}
	sub := &fakeSubmitter{}
	c := newTestClient(t, v, sub, clockwork.NewFakeClock())

	receipt, err := c.CancelRoom(context.Background(), signer, entry)
	require.NoError(t, err)
	require.Equal(t, solana.Signature{1}, receipt.Signature)

	// Cancelled rooms leave the local snapshot immediately.
	require.Empty(t, v.Rooms())
}
