package synth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubIsDeterministic(t *testing.T) {
	stub := &Stub{}
	p := Prompt{Kind: KindReport, CategoryID: "cat_espresso", Month: "2026-08"}

	a, err := stub.Synthesize(context.Background(), p)
	require.NoError(t, err)
	b, err := stub.Synthesize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := stub.Synthesize(context.Background(), Prompt{Kind: KindReport, CategoryID: "cat_other", Month: "2026-08"})
	require.NoError(t, err)
	assert.NotEqual(t, a["seed"], other["seed"])
}

func TestStubSatisfiesAllContracts(t *testing.T) {
	stub := &Stub{}
	for _, kind := range []Kind{KindIntelligence, KindReport, KindPlaybook} {
		payload, err := stub.Synthesize(context.Background(), Prompt{Kind: kind, CategoryID: "cat_x", Month: "2026-08"})
		require.NoError(t, err)
		assert.NoError(t, ValidateContract(kind, payload), "stub must satisfy %s contract", kind)
	}
}

func TestValidateContractReportsMissingSections(t *testing.T) {
	err := ValidateContract(KindReport, map[string]any{
		"headline":         "x",
		"demand_narrative": nil, // nil counts as missing
	})
	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindReport, cerr.Kind)
	assert.Equal(t, []string{"demand_narrative", "recommendations", "signal_highlights"}, cerr.Missing)
}

func TestValidateContractUnknownKind(t *testing.T) {
	err := ValidateContract(Kind("mystery"), map[string]any{})
	require.Error(t, err)
	var cerr *ContractError
	assert.False(t, errors.As(err, &cerr))
}

func TestRunSurfacesContractDefect(t *testing.T) {
	stub := &Stub{FailKind: KindPlaybook}
	payload, err := Run(context.Background(), stub, Prompt{Kind: KindPlaybook, CategoryID: "cat_x", Month: "2026-08"}, time.Second)

	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
	// The partial payload is still returned for backfill diagnostics.
	assert.NotNil(t, payload)
}

type sleeper struct{}

func (sleeper) Synthesize(ctx context.Context, _ Prompt) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return map[string]any{}, nil
	}
}

func TestRunTimeoutIsDistinct(t *testing.T) {
	_, err := Run(context.Background(), sleeper{}, Prompt{Kind: KindReport, CategoryID: "cat_x"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var cerr *ContractError
	assert.False(t, errors.As(err, &cerr))
}

type failer struct{}

func (failer) Synthesize(context.Context, Prompt) (map[string]any, error) {
	return nil, errors.New("quota exhausted")
}

func TestRunGenericFailureIsNotTimeout(t *testing.T) {
	_, err := Run(context.Background(), failer{}, Prompt{Kind: KindReport, CategoryID: "cat_x"}, time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorContains(t, err, "quota exhausted")
}
