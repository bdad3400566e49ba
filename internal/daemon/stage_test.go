package daemon

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alekspetrov/kiln/internal/runner"
	"github.com/alekspetrov/kiln/internal/store"
)

func TestStageOutcome(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want string
	}{
		{
			"wall clock timeout",
			context.Background(),
			fmt.Errorf("claude ran past 1h0m0s: %w", runner.ErrTimeout),
			store.OutcomeTimeout,
		},
		{
			"idle timeout",
			context.Background(),
			fmt.Errorf("claude idle for over 10m0s: %w", runner.ErrIdleTimeout),
			store.OutcomeTimeout,
		},
		{
			"timeout beats cancellation",
			cancelled,
			fmt.Errorf("claude ran past 1h0m0s: %w", runner.ErrTimeout),
			store.OutcomeTimeout,
		},
		{"cancelled", cancelled, errors.New("signal: terminated"), store.OutcomeCancelled},
		{"stalled", context.Background(), errStalled, store.OutcomeStalled},
		{"failure", context.Background(), errors.New("exit status 1"), store.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stageOutcome(tt.ctx, tt.err); got != tt.want {
				t.Errorf("stageOutcome() = %q, want %q", got, tt.want)
			}
		})
	}
}
