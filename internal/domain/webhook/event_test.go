package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	t.Run("numeric ids", func(t *testing.T) {
		body := []byte(`{"topic":"orders_v2","resource":"/orders/2000003508","user_id":123456,"application_id":987,"attempts":1,"sent":"2024-01-01T10:00:00.000Z","received":"2024-01-01T10:00:00.000Z"}`)
		e, err := ParseEvent(body)
		require.NoError(t, err)
		assert.Equal(t, TopicOrders, e.Topic)
		assert.Equal(t, "123456", e.TenantID())
		assert.Equal(t, FlexibleID("987"), e.ApplicationID)
		assert.Equal(t, "2000003508", e.ResourceID())
		assert.Equal(t, 1, e.Attempts)
	})

	t.Run("string ids", func(t *testing.T) {
		e, err := ParseEvent([]byte(`{"topic":"items","resource":"/items/MLA1/","user_id":"42"}`))
		require.NoError(t, err)
		assert.Equal(t, "42", e.TenantID())
		assert.Equal(t, "MLA1", e.ResourceID())
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"topic":`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("missing topic", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"resource":"/orders/1"}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("missing resource", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"topic":"orders_v2"}`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestTopic_IsKnown(t *testing.T) {
	for _, topic := range KnownTopics() {
		assert.True(t, topic.IsKnown(), topic.String())
	}
	assert.True(t, TopicStorefrontOrdersCreate.IsKnown())
	assert.False(t, Topic("vis_leads").IsKnown())
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StateValidated, true},
		{StateReceived, StateRejected, true},
		{StateValidated, StateEnqueued, true},
		{StateEnqueued, StateProcessed, true},
		{StateEnqueued, StateRetried, true},
		{StateRetried, StateDeadLettered, true},
		{StateRejected, StateEnqueued, false},
		{StateReceived, StateEnqueued, false},
		{StateProcessed, StateRetried, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			_, err := tt.from.Transition(tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}

	assert.True(t, StateRejected.IsTerminal())
	assert.False(t, StateRetried.IsTerminal())
}
