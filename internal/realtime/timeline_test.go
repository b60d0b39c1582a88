package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turtlemessenger/turtle/internal/model"
)

func msg(ts int64, sender, content string) model.Message {
	return model.Message{RoomID: 1, SenderID: sender, Content: content, TS: ts}
}

func TestMerge_LiveBeforeHistoryScenario(t *testing.T) {
	live := []model.Message{msg(100, "a", "hi")}
	history := []model.Message{msg(100, "a", "hi"), msg(90, "b", "yo")}

	got := Merge(live, history)
	require.Equal(t, []model.Message{msg(90, "b", "yo"), msg(100, "a", "hi")}, got)
}

func TestMerge_Idempotent(t *testing.T) {
	base := []model.Message{msg(10, "a", "x"), msg(30, "b", "y")}
	page := []model.Message{msg(20, "c", "z"), msg(30, "b", "y")}

	once := Merge(base, page)
	twice := Merge(once, page)
	require.Equal(t, once, twice)
	require.Len(t, once, 3)
}

func TestMerge_NeverDropsLive(t *testing.T) {
	live := []model.Message{msg(5, "a", "1"), msg(7, "a", "2"), msg(7, "b", "2")}
	got := Merge(live, nil)
	require.Equal(t, live, got)

	got = Merge(live, []model.Message{msg(7, "a", "2"), msg(6, "c", "3")})
	for _, m := range live {
		require.Contains(t, got, m)
	}
	require.Len(t, got, 4)
}

func TestMerge_SortedAndStable(t *testing.T) {
	base := []model.Message{msg(50, "a", "first")}
	page := []model.Message{msg(50, "b", "second"), msg(10, "c", "early"), msg(60, "d", "late")}

	got := Merge(base, page)
	require.Equal(t, []model.Message{
		msg(10, "c", "early"),
		msg(50, "a", "first"),
		msg(50, "b", "second"),
		msg(60, "d", "late"),
	}, got)
}

func TestMerge_DedupsWithinPage(t *testing.T) {
	got := Merge(nil, []model.Message{msg(1, "a", "x"), msg(1, "a", "x")})
	require.Len(t, got, 1)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := []model.Message{msg(20, "a", "x")}
	page := []model.Message{msg(10, "b", "y")}
	_ = Merge(base, page)
	require.Equal(t, []model.Message{msg(20, "a", "x")}, base)
	require.Equal(t, []model.Message{msg(10, "b", "y")}, page)
}

func TestTimeline_InsertSortedNoDup(t *testing.T) {
	tl := newTimeline()
	require.True(t, tl.insert(msg(30, "a", "c")))
	require.True(t, tl.insert(msg(10, "a", "a")))
	require.True(t, tl.insert(msg(20, "a", "b")))
	require.False(t, tl.insert(msg(20, "a", "b")))
	require.True(t, tl.insert(msg(20, "b", "b")))

	require.Equal(t, []model.Message{
		msg(10, "a", "a"),
		msg(20, "a", "b"),
		msg(20, "b", "b"),
		msg(30, "a", "c"),
	}, tl.snapshot())

	n := tl.merge([]model.Message{msg(5, "z", "z"), msg(30, "a", "c")})
	require.Equal(t, 1, n)
	require.Equal(t, 5, tl.len())
	require.False(t, tl.insert(msg(5, "z", "z")), "merged keys are tracked")
}
