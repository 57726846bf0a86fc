package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckFinal(t *testing.T) {
	assert.NoError(t, CheckFinal(PhaseConfirm, CancelNone))
	assert.NoError(t, CheckFinal(PhaseCancel, CancelTimeout))
	assert.ErrorIs(t, CheckFinal(PhaseTry, CancelNone), ErrInvalidPhase)
	assert.ErrorIs(t, CheckFinal(PhaseCancel, CancelNone), ErrInvalidPhase)
	assert.ErrorIs(t, CheckFinal(PhaseConfirm, CancelUser), ErrInvalidPhase)
}

func TestResolve(t *testing.T) {
	write, err := Resolve(&Entry{Phase: PhaseTry}, PhaseConfirm)
	assert.NoError(t, err)
	assert.True(t, write)

	write, err = Resolve(&Entry{Phase: PhaseConfirm}, PhaseConfirm)
	assert.NoError(t, err)
	assert.False(t, write)

	_, err = Resolve(&Entry{Phase: PhaseCancel}, PhaseConfirm)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}
