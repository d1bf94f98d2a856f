package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/eventing"
	"evtcore/modeling"
	"evtcore/modeling/state"
)

func TestNewCommandMessage(t *testing.T) {
	id := accountType.Aggregate("m-1")
	cmd, err := NewCommandMessage(id, "deposit", deposited{Amount: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, cmd.ID, cmd.RequestID)
	assert.JSONEq(t, `{"amount":3}`, string(cmd.Body))

	var body deposited
	require.NoError(t, cmd.Decode(&body))
	assert.Equal(t, 3, body.Amount)

	cmd.RequestID = ""
	assert.Equal(t, cmd.ID, cmd.EffectiveRequestID())

	raw, err := NewCommandMessage(id, "deposit", json.RawMessage(`{"amount":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"amount":1}`, string(raw.Body))
}

func TestCommandMessage_Validate(t *testing.T) {
	var nilCmd *CommandMessage
	assert.ErrorIs(t, nilCmd.Validate(), modeling.ErrPrecondition)

	cmd, err := NewCommandMessage(modeling.AggregateId{}, "x", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, cmd.Validate(), modeling.ErrPrecondition)

	cmd, err = NewCommandMessage(accountType.Aggregate("m-2"), "", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, cmd.Validate(), modeling.ErrPrecondition)
}

func TestHandlers_Registration(t *testing.T) {
	h := accountHandlers()
	_, ok := h.Lookup(DeleteAggregateCommand)
	assert.True(t, ok)
	assert.Panics(t, func() { On(h, "open", func(ctx context.Context, agg state.StateAggregate[account], body opened) ([]eventing.EventBody, error) { return nil, nil }) })
	assert.NotPanics(t, func() {
		h.Handle(DeleteAggregateCommand, func(ctx context.Context, agg state.StateAggregate[account], cmd *CommandMessage) ([]eventing.EventBody, error) {
			return nil, nil
		})
	})
}
