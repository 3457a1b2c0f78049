package internal_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/koopa0/system-design/14-match-pairing/internal"
	"github.com/koopa0/system-design/14-match-pairing/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seatData struct {
	SeatColor internal.Seat `json:"seatColor"`
}

type roomFormedData struct {
	RoomID string                   `json:"roomId"`
	Seats  map[internal.Seat]string `json:"seats"`
}

type moveData struct {
	Move json.RawMessage `json:"move"`
}

// newTestRegistry 創建測試用註冊表
func newTestRegistry(opts internal.RegistryOptions) (*internal.Registry, *testutils.RecordingNotifier, *testutils.FakeRecorder) {
	notifier := testutils.NewRecordingNotifier()
	recorder := &testutils.FakeRecorder{}
	registry := internal.NewRegistry(notifier, recorder, testutils.TestLogger(), opts)
	return registry, notifier, recorder
}

// formRoom 讓 alice(c1) 與 bob(c2) 在 roomID 配成一局
func formRoom(t *testing.T, registry *internal.Registry, roomID string) {
	t.Helper()
	_, err := registry.JoinRoom(roomID, "alice", "c1")
	require.NoError(t, err)
	_, err = registry.JoinRoom(roomID, "bob", "c2")
	require.NoError(t, err)
}

// TestRegistry_JoinRoom 測試入座流程
func TestRegistry_JoinRoom(t *testing.T) {
	t.Run("first join creates room and waits", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})

		result, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)

		assert.Equal(t, internal.SeatFirst, result.Seat)
		assert.True(t, result.RoomCreated)
		assert.False(t, result.Formed)
		assert.Equal(t, []string{internal.EventAssignSeat, internal.EventRoomWaiting}, notifier.EventTypes("c1"))

		seat, err := testutils.DecodeData[seatData](notifier.Events("c1")[0])
		require.NoError(t, err)
		assert.Equal(t, internal.SeatFirst, seat.SeatColor)

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusForming, state.Status)
		assert.Len(t, state.Participants, 1)
	})

	t.Run("second join forms room", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		_, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)

		result, err := registry.JoinRoom("r1", "bob", "c2")
		require.NoError(t, err)

		assert.Equal(t, internal.SeatSecond, result.Seat)
		assert.True(t, result.Formed)
		assert.Equal(t, []string{internal.EventAssignSeat, internal.EventRoomFormed}, notifier.EventTypes("c2"))
		assert.Equal(t, 1, notifier.Count("c1", internal.EventRoomFormed))

		formed, err := testutils.DecodeData[roomFormedData](notifier.Events("c2")[1])
		require.NoError(t, err)
		assert.Equal(t, "r1", formed.RoomID)
		assert.Equal(t, "alice", formed.Seats[internal.SeatFirst])
		assert.Equal(t, "bob", formed.Seats[internal.SeatSecond])

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusActive, state.Status)
	})

	t.Run("third join is rejected", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		_, err := registry.JoinRoom("r1", "carol", "c3")
		assert.ErrorIs(t, err, internal.ErrRoomFull)

		// Registry 不會綁定被拒絕的連線，也不會改動房間
		_, bound := notifier.BoundRoom("c3")
		assert.False(t, bound)
		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Len(t, state.Participants, 2)
	})

	t.Run("new opponent in concluded room", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		require.True(t, registry.HandleDisconnect("c2"))

		// 剩下的一方仍在座，新對手可以入座，但這個房間不會再記錄結果
		result, err := registry.JoinRoom("r1", "carol", "c3")
		require.NoError(t, err)
		assert.Equal(t, internal.SeatSecond, result.Seat)
		assert.True(t, result.Formed)
		// 第一次配對與這次各一則 room_formed
		assert.Equal(t, 2, notifier.Count("c1", internal.EventRoomFormed))

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusConcluded, state.Status)

		recorded, err := registry.ReportOutcome("r1", "c3", internal.OutcomeSecondWins)
		require.NoError(t, err)
		assert.False(t, recorded)
		assert.Len(t, recorder.Outcomes(), 1)
	})

	t.Run("missing fields", func(t *testing.T) {
		registry, _, _ := newTestRegistry(internal.RegistryOptions{})

		_, err := registry.JoinRoom("", "alice", "c1")
		assert.ErrorIs(t, err, internal.ErrInvalidEvent)
		_, err = registry.JoinRoom("r1", "", "c1")
		assert.ErrorIs(t, err, internal.ErrInvalidEvent)
		assert.Equal(t, 0, registry.RoomCount())
	})

	t.Run("room limit", func(t *testing.T) {
		registry, _, _ := newTestRegistry(internal.RegistryOptions{MaxRooms: 1})

		_, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)
		_, err = registry.JoinRoom("r2", "bob", "c2")
		assert.ErrorIs(t, err, internal.ErrTooManyRooms)

		// 既有房間仍可加入
		_, err = registry.JoinRoom("r1", "bob", "c2")
		assert.NoError(t, err)
	})
}

// TestRegistry_Rejoin 測試重連
func TestRegistry_Rejoin(t *testing.T) {
	t.Run("same user on new connection keeps seat", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		result, err := registry.JoinRoom("r1", "alice", "c3")
		require.NoError(t, err)

		assert.True(t, result.Rejoined)
		assert.Equal(t, internal.SeatFirst, result.Seat)
		// 雙方都在座時重連只收到座位
		assert.Equal(t, []string{internal.EventAssignSeat}, notifier.EventTypes("c3"))

		roomID, bound := notifier.BoundRoom("c3")
		assert.True(t, bound)
		assert.Equal(t, "r1", roomID)
		_, bound = notifier.BoundRoom("c1")
		assert.False(t, bound)

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Len(t, state.Participants, 2)
	})

	t.Run("rejoin while forming resends waiting", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		_, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)

		_, err = registry.JoinRoom("r1", "alice", "c2")
		require.NoError(t, err)
		assert.Equal(t, []string{internal.EventAssignSeat, internal.EventRoomWaiting}, notifier.EventTypes("c2"))
	})

	t.Run("stale connection close is harmless", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		_, err := registry.JoinRoom("r1", "alice", "c3")
		require.NoError(t, err)
		notifier.Reset()

		// 舊連線 c1 關閉：座位已屬於 c3
		assert.False(t, registry.HandleDisconnect("c1"))
		assert.Empty(t, notifier.EventTypes("c2"))
		assert.Empty(t, recorder.Outcomes())

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Len(t, state.Participants, 2)
	})

	t.Run("rejoin after disconnect recovers first seat", func(t *testing.T) {
		registry, _, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		require.True(t, registry.HandleDisconnect("c1"))

		result, err := registry.JoinRoom("r1", "alice", "c3")
		require.NoError(t, err)
		assert.Equal(t, internal.SeatFirst, result.Seat)
		assert.True(t, result.Formed)

		// 斷線時已判負，房間維持 concluded
		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusConcluded, state.Status)
	})

	t.Run("switching rooms leaves old seat", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		_, err := registry.JoinRoom("r2", "alice", "c1")
		require.NoError(t, err)

		assert.Equal(t, 1, notifier.Count("c2", internal.EventOpponentLeft))
		require.Len(t, recorder.ForRoom("r1"), 1)
		assert.Equal(t, internal.OutcomeSecondWins, recorder.ForRoom("r1")[0].Kind)

		roomID, _ := notifier.BoundRoom("c1")
		assert.Equal(t, "r2", roomID)
	})

	t.Run("failed join keeps existing seat", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		_, err := registry.JoinRoom("r2", "carol", "c3")
		require.NoError(t, err)
		_, err = registry.JoinRoom("r2", "dave", "c4")
		require.NoError(t, err)
		notifier.Reset()

		_, err = registry.JoinRoom("r2", "alice", "c1")
		assert.ErrorIs(t, err, internal.ErrRoomFull)

		// 原本的對局完全不受影響
		assert.Empty(t, notifier.EventTypes("c2"))
		assert.Empty(t, recorder.Outcomes())

		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusActive, state.Status)
		assert.Len(t, state.Participants, 2)

		roomID, bound := notifier.BoundRoom("c1")
		assert.True(t, bound)
		assert.Equal(t, "r1", roomID)

		require.NoError(t, registry.RelayMove("r1", "c1", internal.Move(`"e4"`)))
		assert.Equal(t, []string{internal.EventMoveRelayed}, notifier.EventTypes("c2"))
	})

	t.Run("room limit keeps existing seat", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{MaxRooms: 1})
		formRoom(t, registry, "r1")

		_, err := registry.JoinRoom("r2", "alice", "c1")
		assert.ErrorIs(t, err, internal.ErrTooManyRooms)

		assert.Zero(t, notifier.Count("c2", internal.EventOpponentLeft))
		assert.Empty(t, recorder.Outcomes())
		state, err := registry.GetRoom("r1")
		require.NoError(t, err)
		assert.Len(t, state.Participants, 2)
	})

	t.Run("switching into an existing room", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		_, err := registry.JoinRoom("r2", "carol", "c3")
		require.NoError(t, err)

		result, err := registry.JoinRoom("r2", "alice", "c1")
		require.NoError(t, err)
		assert.True(t, result.Formed)

		// 新房間配對完成，舊房間的對手收到離開通知
		assert.Equal(t, 1, notifier.Count("c3", internal.EventRoomFormed))
		assert.Equal(t, 1, notifier.Count("c2", internal.EventOpponentLeft))
		assert.Len(t, recorder.ForRoom("r1"), 1)
		assert.Empty(t, recorder.ForRoom("r2"))

		// 之後斷線只影響新房間
		require.True(t, registry.HandleDisconnect("c1"))
		assert.Equal(t, 1, notifier.Count("c3", internal.EventOpponentLeft))
		require.Len(t, recorder.ForRoom("r2"), 1)
		assert.Equal(t, internal.OutcomeSecondWins, recorder.ForRoom("r2")[0].Kind)
	})
}

// TestRegistry_RelayMove 測試走子轉發
func TestRegistry_RelayMove(t *testing.T) {
	move := internal.Move(`{"from":"e2","to":"e4","resultingPositionDigest":"abc"}`)

	t.Run("relays only to opponent", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		notifier.Reset()

		require.NoError(t, registry.RelayMove("r1", "c1", move))

		assert.Empty(t, notifier.EventTypes("c1"))
		require.Equal(t, []string{internal.EventMoveRelayed}, notifier.EventTypes("c2"))

		got, err := testutils.DecodeData[moveData](notifier.Events("c2")[0])
		require.NoError(t, err)
		assert.JSONEq(t, string(move), string(got.Move))
	})

	t.Run("preserves order", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		notifier.Reset()

		for i := 0; i < 10; i++ {
			require.NoError(t, registry.RelayMove("r1", "c2", internal.Move(fmt.Sprintf(`{"n":%d}`, i))))
		}

		events := notifier.Events("c1")
		require.Len(t, events, 10)
		for i, ev := range events {
			got, err := testutils.DecodeData[moveData](ev)
			require.NoError(t, err)
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(got.Move))
		}
	})

	t.Run("no opponent seated", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		_, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)
		notifier.Reset()

		assert.NoError(t, registry.RelayMove("r1", "c1", move))
		assert.Empty(t, notifier.EventTypes("c1"))
	})

	t.Run("not in room", func(t *testing.T) {
		registry, _, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		assert.ErrorIs(t, registry.RelayMove("r1", "c9", move), internal.ErrNotInRoom)
		assert.ErrorIs(t, registry.RelayMove("missing", "c1", move), internal.ErrNotInRoom)
	})

	t.Run("after outcome", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		_, err := registry.ReportOutcome("r1", "c1", internal.OutcomeDraw)
		require.NoError(t, err)
		notifier.Reset()

		// 預設仍轉發
		assert.NoError(t, registry.RelayMove("r1", "c1", move))
		assert.Equal(t, 1, notifier.Count("c2", internal.EventMoveRelayed))
	})

	t.Run("after outcome rejected", func(t *testing.T) {
		registry, notifier, _ := newTestRegistry(internal.RegistryOptions{RejectMovesAfterOutcome: true})
		formRoom(t, registry, "r1")
		_, err := registry.ReportOutcome("r1", "c1", internal.OutcomeDraw)
		require.NoError(t, err)
		notifier.Reset()

		assert.ErrorIs(t, registry.RelayMove("r1", "c1", move), internal.ErrGameConcluded)
		assert.Empty(t, notifier.EventTypes("c2"))
	})
}

// TestRegistry_ReportOutcome 測試結果回報
func TestRegistry_ReportOutcome(t *testing.T) {
	tests := []struct {
		name     string
		kind     internal.OutcomeKind
		expected internal.OutcomeKind
	}{
		{name: "first wins", kind: internal.OutcomeFirstWins, expected: internal.OutcomeFirstWins},
		{name: "second wins", kind: internal.OutcomeSecondWins, expected: internal.OutcomeSecondWins},
		{name: "draw", kind: internal.OutcomeDraw, expected: internal.OutcomeDraw},
		{name: "unknown", kind: internal.OutcomeUnknown, expected: internal.OutcomeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, _, recorder := newTestRegistry(internal.RegistryOptions{})
			formRoom(t, registry, "r1")

			recorded, err := registry.ReportOutcome("r1", "c2", tt.kind)
			require.NoError(t, err)
			assert.True(t, recorded)

			outcomes := recorder.Outcomes()
			require.Len(t, outcomes, 1)
			assert.Equal(t, tt.expected, outcomes[0].Kind)
			assert.Equal(t, "alice", outcomes[0].First)
			assert.Equal(t, "bob", outcomes[0].Second)
			assert.Equal(t, internal.ReasonReported, outcomes[0].Reason)

			state, err := registry.GetRoom("r1")
			require.NoError(t, err)
			assert.Equal(t, internal.StatusConcluded, state.Status)
			assert.True(t, state.OutcomeRecorded)
		})
	}

	t.Run("duplicate reports are absorbed", func(t *testing.T) {
		registry, _, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		recorded, err := registry.ReportOutcome("r1", "c1", internal.OutcomeFirstWins)
		require.NoError(t, err)
		assert.True(t, recorded)

		// 對手回報矛盾的結果：吸收
		recorded, err = registry.ReportOutcome("r1", "c2", internal.OutcomeSecondWins)
		require.NoError(t, err)
		assert.False(t, recorded)

		outcomes := recorder.Outcomes()
		require.Len(t, outcomes, 1)
		assert.Equal(t, internal.OutcomeFirstWins, outcomes[0].Kind)
	})

	t.Run("forming room", func(t *testing.T) {
		registry, _, recorder := newTestRegistry(internal.RegistryOptions{})
		_, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)

		_, err = registry.ReportOutcome("r1", "c1", internal.OutcomeFirstWins)
		assert.ErrorIs(t, err, internal.ErrRoomNotFormed)
		assert.Empty(t, recorder.Outcomes())
	})

	t.Run("not in room", func(t *testing.T) {
		registry, _, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		_, err := registry.ReportOutcome("r1", "c9", internal.OutcomeFirstWins)
		assert.ErrorIs(t, err, internal.ErrNotInRoom)
		_, err = registry.ReportOutcome("missing", "c1", internal.OutcomeFirstWins)
		assert.ErrorIs(t, err, internal.ErrNotInRoom)
		assert.Empty(t, recorder.Outcomes())
	})
}

// TestRegistry_HandleDisconnect 測試斷線處理
func TestRegistry_HandleDisconnect(t *testing.T) {
	t.Run("remaining seat wins", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		notifier.Reset()

		assert.True(t, registry.HandleDisconnect("c2"))

		assert.Equal(t, []string{internal.EventOpponentLeft}, notifier.EventTypes("c1"))
		assert.Empty(t, notifier.EventTypes("c2"))

		outcomes := recorder.Outcomes()
		require.Len(t, outcomes, 1)
		assert.Equal(t, internal.OutcomeFirstWins, outcomes[0].Kind)
		assert.Equal(t, internal.ReasonOpponentLeft, outcomes[0].Reason)
		assert.Equal(t, "alice", outcomes[0].First)
		assert.Equal(t, "bob", outcomes[0].Second)
	})

	t.Run("no outcome after report", func(t *testing.T) {
		registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")
		_, err := registry.ReportOutcome("r1", "c1", internal.OutcomeDraw)
		require.NoError(t, err)

		assert.True(t, registry.HandleDisconnect("c1"))
		assert.Equal(t, 1, notifier.Count("c2", internal.EventOpponentLeft))
		assert.Len(t, recorder.Outcomes(), 1)
	})

	t.Run("no outcome in forming room", func(t *testing.T) {
		registry, _, recorder := newTestRegistry(internal.RegistryOptions{})
		_, err := registry.JoinRoom("r1", "alice", "c1")
		require.NoError(t, err)

		assert.True(t, registry.HandleDisconnect("c1"))
		assert.Empty(t, recorder.Outcomes())
		assert.Equal(t, 0, registry.RoomCount())
	})

	t.Run("last leave deletes room", func(t *testing.T) {
		registry, _, _ := newTestRegistry(internal.RegistryOptions{})
		formRoom(t, registry, "r1")

		registry.HandleDisconnect("c1")
		assert.Equal(t, 1, registry.RoomCount())
		registry.HandleDisconnect("c2")
		assert.Equal(t, 0, registry.RoomCount())

		_, err := registry.GetRoom("r1")
		assert.ErrorIs(t, err, internal.ErrRoomNotFound)

		// 同一個房號可以重新開局
		result, err := registry.JoinRoom("r1", "carol", "c3")
		require.NoError(t, err)
		assert.True(t, result.RoomCreated)
	})

	t.Run("unknown connection", func(t *testing.T) {
		registry, _, _ := newTestRegistry(internal.RegistryOptions{})
		assert.False(t, registry.HandleDisconnect("nobody"))
	})
}

// TestRegistry_LeaveRoom 測試主動離開
func TestRegistry_LeaveRoom(t *testing.T) {
	registry, notifier, recorder := newTestRegistry(internal.RegistryOptions{})
	formRoom(t, registry, "r1")

	assert.ErrorIs(t, registry.LeaveRoom("r2", "c1"), internal.ErrNotInRoom)

	require.NoError(t, registry.LeaveRoom("r1", "c1"))
	assert.Equal(t, 1, notifier.Count("c2", internal.EventOpponentLeft))
	require.Len(t, recorder.Outcomes(), 1)
	assert.Equal(t, internal.OutcomeSecondWins, recorder.Outcomes()[0].Kind)

	assert.ErrorIs(t, registry.LeaveRoom("r1", "c1"), internal.ErrNotInRoom)
}

// TestRegistry_ListRooms 測試房間列表與統計
func TestRegistry_ListRooms(t *testing.T) {
	registry, _, _ := newTestRegistry(internal.RegistryOptions{})

	formRoom(t, registry, "active")
	_, err := registry.JoinRoom("forming", "carol", "c3")
	require.NoError(t, err)
	_, err = registry.JoinRoom("done", "dave", "c4")
	require.NoError(t, err)
	_, err = registry.JoinRoom("done", "erin", "c5")
	require.NoError(t, err)
	_, err = registry.ReportOutcome("done", "c4", internal.OutcomeDraw)
	require.NoError(t, err)

	assert.Len(t, registry.ListRooms(""), 3)

	forming := registry.ListRooms(internal.StatusForming)
	require.Len(t, forming, 1)
	assert.Equal(t, "forming", forming[0].ID)

	concluded := registry.ListRooms(internal.StatusConcluded)
	require.Len(t, concluded, 1)
	assert.Equal(t, "done", concluded[0].ID)

	stats := registry.Stats()
	assert.Equal(t, 3, stats["total_rooms"])
	assert.Equal(t, 5, stats["total_participants"])
}
