package arbiter

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/coopgate/internal/models"
	"golang.org/x/sync/errgroup"
)

// TestRandomInterleavings drives the authority with random sequences of
// operations and checks the control state after every step.
func TestRandomInterleavings(t *testing.T) {
	names := []string{"admin", "admin2", "alice", "bob", "carol"}

	for seed := uint64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7919))
		f := newFixture(t)
		ctx := context.Background()

		var live []uuid.UUID

		for step := range 200 {
			op := rng.IntN(7)

			if len(live) == 0 || op == 0 {
				sink := &recorder{}
				grant, err := f.authority.Authenticate(ctx, sink, names[rng.IntN(len(names))], testPassword, "")
				require.NoError(t, err)
				live = append(live, grant.Session.SessionID)
				checkInvariants(t, f.authority)
				continue
			}

			idx := rng.IntN(len(live))
			id := live[idx]

			switch op {
			case 1:
				_ = f.authority.RequestControl(ctx, id)
			case 2:
				_ = f.authority.ReleaseControl(ctx, id)
			case 3:
				mode := models.AdminModeActive
				if rng.IntN(2) == 0 {
					mode = models.AdminModeWatching
				}
				_ = f.authority.SwitchAdminMode(ctx, id, mode)
			case 4:
				state := f.authority.State(ctx)
				_, err := f.authority.SubmitCommand(ctx, id, fanOn)
				if err != nil {
					break
				}
				require.Equal(t, id.String(), state.ControllerID, "seed %d step %d", seed, step)
				for _, sess := range state.Sessions {
					if sess.SessionID == id.String() && sess.Role == models.RoleUser {
						// a user command only succeeds with no active admin
						require.Empty(t, state.ActiveAdmin, "seed %d step %d", seed, step)
					}
				}
			case 5:
				_ = f.authority.Disconnect(ctx, id)
				live = append(live[:idx], live[idx+1:]...)
			case 6:
				_ = f.authority.Logout(ctx, id)
				live = append(live[:idx], live[idx+1:]...)
			}

			checkInvariants(t, f.authority)
		}
	}
}

// TestConcurrentSessions runs several clients against one authority at the
// same time while the state is checked from the test goroutine. Run with
// -race to check every mutation happens under the authority lock.
func TestConcurrentSessions(t *testing.T) {
	names := []string{"admin", "admin2", "alice", "bob", "carol"}
	ctx := context.Background()
	f := newFixture(t)

	stop := make(chan struct{})
	checked := make(chan struct{})
	go func() {
		defer close(checked)
		for {
			select {
			case <-stop:
				return
			default:
				_ = f.authority.State(ctx)
			}
		}
	}()

	var g errgroup.Group
	for worker := range 8 {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(worker), 104729))
			name := names[worker%len(names)]

			for range 25 {
				grant, err := f.authority.Authenticate(ctx, &recorder{}, name, testPassword, "")
				if err != nil {
					return err
				}
				id := grant.Session.SessionID

				for range 10 {
					switch rng.IntN(4) {
					case 0:
						_ = f.authority.RequestControl(ctx, id)
					case 1:
						_ = f.authority.ReleaseControl(ctx, id)
					case 2:
						mode := models.AdminModeActive
						if rng.IntN(2) == 0 {
							mode = models.AdminModeWatching
						}
						_ = f.authority.SwitchAdminMode(ctx, id, mode)
					case 3:
						_, _ = f.authority.SubmitCommand(ctx, id, fanOn)
					}
				}

				if rng.IntN(2) == 0 {
					_ = f.authority.Logout(ctx, id)
				} else {
					_ = f.authority.Disconnect(ctx, id)
				}
			}
			return nil
		})
	}

	for range 50 {
		checkInvariants(t, f.authority)
	}

	require.NoError(t, g.Wait())
	close(stop)
	<-checked

	checkInvariants(t, f.authority)
	state := f.authority.State(ctx)
	require.Empty(t, state.Sessions)
	require.Empty(t, state.Controller)
	require.Empty(t, state.Waiting)
}

// TestSwitchAdminMode_repeatIsNoop checks a repeated switch never changes
// state or sends frames, from any reachable state.
func TestSwitchAdminMode_repeatIsNoop(t *testing.T) {
	ctx := context.Background()

	for _, mode := range []models.AdminMode{models.AdminModeActive, models.AdminModeWatching} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t)

			aliceID, alice := f.login(t, "alice")
			require.NoError(t, f.authority.RequestControl(ctx, aliceID))
			adminID, admin := f.login(t, "admin")
			_, watcher := f.login(t, "admin2")

			require.NoError(t, f.authority.SwitchAdminMode(ctx, adminID, mode))
			before := f.authority.State(ctx)
			alice.reset()
			admin.reset()
			watcher.reset()

			require.NoError(t, f.authority.SwitchAdminMode(ctx, adminID, mode))
			require.Equal(t, before, f.authority.State(ctx))
			require.Empty(t, alice.types())
			require.Empty(t, admin.types())
			require.Empty(t, watcher.types())
		})
	}
}
