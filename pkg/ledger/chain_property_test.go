package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/ledger"
)

// Property: for any sequence of appends, the full chain verifies with no
// broken links, and every record individually verifies.
func TestChainIntegrity_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(reasons []string) bool {
			if len(reasons) == 0 {
				return true
			}
			ctx := context.Background()
			now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			l := ledger.New(ledger.NewMemoryStore(), ledger.NewAlertStore()).
				WithClock(func() time.Time { return now })

			ids := make([]string, 0, len(reasons))
			for _, reason := range reasons {
				rec, err := l.Append(ctx, "prop-actor", contracts.ActionWeightAdjustment,
					"weight", "w-1", nil, nil, "r:"+reason)
				if err != nil {
					return false
				}
				ids = append(ids, rec.ID)
				now = now.Add(time.Second)
			}

			broken, err := l.VerifyChain(ctx, ids)
			if err != nil || len(broken) != 0 {
				return false
			}
			for _, id := range ids {
				ok, err := l.Verify(ctx, id)
				if err != nil || !ok {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
