package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/blink-signaling/internal/logging"
	"github.com/mossy-p/blink-signaling/internal/matcher"
	"github.com/mossy-p/blink-signaling/internal/models"
	"github.com/mossy-p/blink-signaling/internal/rooms"
)

func TestConcurrentResolveRolePairsUp(t *testing.T) {
	for _, n := range []int{2, 7, 9} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			c, _ := newClient(t, 0)
			claims := make([]rooms.Claim, n)
			errs := make([]error, n)

			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					adapter := rooms.New(c, fmt.Sprintf("participant-%d", i), rooms.WithLogger(logging.Discard()))
					sdp := func(context.Context) (string, error) { return fmt.Sprintf("sdp-%d", i), nil }
					claims[i], errs[i] = matcher.New(adapter, logging.Discard()).ResolveRole(context.Background(), sdp)
				}()
			}
			wg.Wait()

			pairs := map[string][]models.Role{}
			for i, claim := range claims {
				require.NoError(t, errs[i])
				pairs[claim.RoomID] = append(pairs[claim.RoomID], claim.Role)
			}

			full := 0
			for _, roles := range pairs {
				if len(roles) == 2 {
					full++
					assert.ElementsMatch(t, []models.Role{models.RoleInitiator, models.RoleResponder}, roles)
				} else {
					assert.Equal(t, []models.Role{models.RoleInitiator}, roles)
				}
			}
			assert.Equal(t, n/2, full)
			assert.Len(t, pairs, n-n/2)

			waiting, ok, err := rooms.New(c, "observer").WaitingRoom(context.Background())
			require.NoError(t, err)
			assert.Equal(t, n%2 == 1, ok)
			if ok {
				assert.Equal(t, []models.Role{models.RoleInitiator}, pairs[waiting])
			}
		})
	}
}
