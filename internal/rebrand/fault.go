package rebrand

import (
	"context"
	"math/rand/v2"

	"gitlab.com/tozd/go/errors"
)

var ErrInjectedFault = errors.New("injected fault")

// WithFaultInjection fails roughly rate of the calls with ErrInjectedFault
// without calling mutate. rnd must be safe for concurrent use; nil means
// math/rand/v2.
func WithFaultInjection(mutate MutateFunc, rate float64, rnd func() float64) MutateFunc {
	if rate <= 0 {
		return mutate
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return func(ctx context.Context, id string) (bool, error) {
		if rnd() < rate {
			return false, errors.Errorf("post %s: %w", id, ErrInjectedFault)
		}
		return mutate(ctx, id)
	}
}
