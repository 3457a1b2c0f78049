package internal_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-match-pairing/internal"
	"github.com/koopa0/system-design/14-match-pairing/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inbound(t *testing.T, eventType string, data any) internal.InboundEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return internal.InboundEvent{Type: eventType, Data: raw}
}

// TestDispatcher 測試事件路由
func TestDispatcher(t *testing.T) {
	setup := func() (*internal.Dispatcher, *internal.Registry, *testutils.RecordingNotifier, *testutils.FakeRecorder) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		dispatcher := internal.NewDispatcher(registry, notifier, testutils.TestLogger())
		return dispatcher, registry, notifier, recorder
	}

	join := func(t *testing.T, d *internal.Dispatcher, roomID, userID, connID string) {
		t.Helper()
		d.HandleEvent(connID, inbound(t, internal.EventJoinRoom, map[string]string{"roomId": roomID, "userId": userID}))
	}

	t.Run("room full is reported to the joiner", func(t *testing.T) {
		d, _, notifier, _ := setup()
		join(t, d, "r1", "alice", "c1")
		join(t, d, "r1", "bob", "c2")
		join(t, d, "r1", "carol", "c3")

		assert.Equal(t, []string{internal.EventRoomFull}, notifier.EventTypes("c3"))
		assert.Zero(t, notifier.Count("c1", internal.EventRoomFull))
	})

	t.Run("game over routes outcome", func(t *testing.T) {
		d, _, _, recorder := setup()
		join(t, d, "r1", "alice", "c1")
		join(t, d, "r1", "bob", "c2")

		d.HandleEvent("c1", inbound(t, internal.EventGameOver, map[string]string{"roomId": "r1", "outcome": "draw"}))
		d.HandleEvent("c2", inbound(t, internal.EventGameOver, map[string]string{"roomId": "r1", "outcome": "first_wins"}))

		outcomes := recorder.Outcomes()
		require.Len(t, outcomes, 1)
		assert.Equal(t, internal.OutcomeDraw, outcomes[0].Kind)
	})

	t.Run("unrecognized outcome does not conclude room", func(t *testing.T) {
		d, registry, _, recorder := setup()
		join(t, d, "r1", "alice", "c1")
		join(t, d, "r1", "bob", "c2")

		d.HandleEvent("c1", inbound(t, internal.EventGameOver, map[string]string{"roomId": "r1", "outcome": "white_wins"}))
		assert.Empty(t, recorder.Outcomes())

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.False(t, state.OutcomeRecorded)
	})

	t.Run("move is relayed", func(t *testing.T) {
		d, _, notifier, _ := setup()
		join(t, d, "r1", "alice", "c1")
		join(t, d, "r1", "bob", "c2")
		notifier.Reset()

		d.HandleEvent("c2", inbound(t, internal.EventMakeMove, map[string]any{"roomId": "r1", "move": []int{1, 2}}))
		assert.Equal(t, []string{internal.EventMoveRelayed}, notifier.EventTypes("c1"))
		assert.Empty(t, notifier.EventTypes("c2"))
	})

	t.Run("leave and close", func(t *testing.T) {
		d, registry, notifier, recorder := setup()
		join(t, d, "r1", "alice", "c1")
		join(t, d, "r1", "bob", "c2")

		d.HandleEvent("c1", inbound(t, internal.EventLeaveRoom, map[string]string{"roomId": "r1"}))
		assert.Equal(t, 1, notifier.Count("c2", internal.EventOpponentLeft))
		require.Len(t, recorder.Outcomes(), 1)

		d.HandleClose("c2")
		assert.Equal(t, 0, registry.RoomCount())
		assert.Len(t, recorder.Outcomes(), 1)
	})

	t.Run("invalid events are dropped", func(t *testing.T) {
		d, registry, notifier, _ := setup()

		d.HandleEvent("c1", internal.InboundEvent{Type: internal.EventJoinRoom})
		d.HandleEvent("c1", internal.InboundEvent{Type: internal.EventJoinRoom, Data: json.RawMessage(`[1,2]`)})
		d.HandleEvent("c1", inbound(t, internal.EventMakeMove, map[string]string{"move": "e4"}))
		d.HandleEvent("c1", inbound(t, "resign", map[string]string{"roomId": "r1"}))

		assert.Equal(t, 0, registry.RoomCount())
		assert.Empty(t, notifier.EventTypes("c1"))
	})
}
