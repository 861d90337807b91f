package rooms

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinIdempotent(t *testing.T) {
	m := NewMembership()

	require.True(t, m.Join("team-7", "alice", "conn-a"))
	require.False(t, m.Join("team-7", "alice", "conn-a"), "same join repeated")

	require.Equal(t, 1, m.Occupancy("team-7"))
	require.Equal(t, []string{"alice"}, m.Users("team-7"))
}

func TestSecondConnectionDoesNotInflateOccupancy(t *testing.T) {
	m := NewMembership()

	m.Join("team-7", "alice", "tab-1")
	require.False(t, m.Join("team-7", "alice", "tab-2"))
	require.Equal(t, 1, m.Occupancy("team-7"))
	require.ElementsMatch(t, []string{"tab-1", "tab-2"}, m.UserConnections("team-7", "alice"))
}

func TestLeaveOnlyRemovesUserOnLastConnection(t *testing.T) {
	m := NewMembership()
	m.Join("team-7", "alice", "tab-1")
	m.Join("team-7", "alice", "tab-2")

	require.False(t, m.Leave("team-7", "alice", "tab-1"), "another tab is still subscribed")
	require.Equal(t, 1, m.Occupancy("team-7"))

	require.True(t, m.Leave("team-7", "alice", "tab-2"))
	require.Equal(t, 0, m.Occupancy("team-7"))
	require.Empty(t, m.Rooms(), "emptied room is dropped from the table")
}

func TestLeaveAbsentIsNoop(t *testing.T) {
	m := NewMembership()

	require.False(t, m.Leave("team-7", "alice", "conn-a"))

	m.Join("team-7", "alice", "conn-a")
	require.True(t, m.Leave("team-7", "alice", "conn-a"))
	require.False(t, m.Leave("team-7", "alice", "conn-a"), "redundant cleanup absorbs the race")
	require.Equal(t, 0, m.Occupancy("team-7"))
}

// N distinct users join, M of them leave; final occupancy is N-M regardless
// of interleaving.
func TestOccupancyAccuracy(t *testing.T) {
	const n, m = 8, 5
	table := NewMembership()

	for i := 0; i < n; i++ {
		table.Join("team-7", fmt.Sprintf("user-%d", i), fmt.Sprintf("conn-%d", i))
	}
	// leave in a scrambled order
	for _, i := range []int{3, 0, 6, 4, 1} {
		table.Leave("team-7", fmt.Sprintf("user-%d", i), fmt.Sprintf("conn-%d", i))
	}

	require.Equal(t, n-m, table.Occupancy("team-7"))
}

func TestOnChangeFiresOnlyWhenUserSetChanges(t *testing.T) {
	m := NewMembership()
	var changes []int
	m.OnChange(func(roomID string, occupancy int) {
		require.Equal(t, "team-7", roomID)
		changes = append(changes, occupancy)
	})

	m.Join("team-7", "alice", "tab-1")
	m.Join("team-7", "alice", "tab-2") // no set change
	m.Join("team-7", "bob", "conn-b")
	m.Leave("team-7", "alice", "tab-1") // no set change
	m.Leave("team-7", "alice", "tab-2")
	m.Leave("team-7", "bob", "conn-b")

	require.Equal(t, []int{1, 2, 1, 0}, changes)
}
