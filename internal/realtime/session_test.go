package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teampulse/teampulse/internal/chatcache"
	"github.com/teampulse/teampulse/internal/models"
	"github.com/teampulse/teampulse/internal/presence"
	"github.com/teampulse/teampulse/internal/rooms"
	apperrors "github.com/teampulse/teampulse/pkg/errors"
)

type recordedEvent struct {
	roomID  string
	userID  string
	connID  string
	exclude string
	event   rooms.Event
}

type recordingTransport struct {
	mu   sync.Mutex
	subs map[string]map[string]struct{}
	sent []recordedEvent
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{subs: make(map[string]map[string]struct{})}
}

func (t *recordingTransport) Subscribe(roomID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[roomID] == nil {
		t.subs[roomID] = make(map[string]struct{})
	}
	t.subs[roomID][connID] = struct{}{}
}

func (t *recordingTransport) Unsubscribe(roomID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs[roomID], connID)
}

func (t *recordingTransport) SendToRoom(roomID string, event rooms.Event, excludeConnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, recordedEvent{roomID: roomID, exclude: excludeConnID, event: event})
}

func (t *recordingTransport) SendToUser(userID string, event rooms.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, recordedEvent{userID: userID, event: event})
}

func (t *recordingTransport) SendToConn(connID string, event rooms.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, recordedEvent{connID: connID, event: event})
}

func (t *recordingTransport) eventsNamed(name string) []recordedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []recordedEvent
	for _, e := range t.sent {
		if e.event.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type stubUsers struct {
	users   map[string]*models.User
	findErr error
	touched []string
}

func (s *stubUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.users[id], nil
}

func (s *stubUsers) TouchLastSeen(ctx context.Context, id string) {
	s.touched = append(s.touched, id)
}

type stubTeams struct {
	members map[string]map[string]bool // userID -> teamID
	teams   map[string][]models.Team
	err     error
}

func (s *stubTeams) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.members[userID][teamID], nil
}

func (s *stubTeams) TeamsOf(ctx context.Context, userID string) ([]models.Team, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.teams[userID], nil
}

type stubHistory struct {
	appended  []chatcache.Message
	recent    map[string][]chatcache.Message
	appendErr error
	recentErr error
}

func (s *stubHistory) Append(ctx context.Context, msg chatcache.Message) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, msg)
	return nil
}

func (s *stubHistory) Recent(ctx context.Context, roomID string, limit int) ([]chatcache.Message, error) {
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	return s.recent[roomID], nil
}

type sessionEnv struct {
	transport *recordingTransport
	registry  *presence.Registry
	coord     *rooms.Coordinator
	users     *stubUsers
	teams     *stubTeams
	history   *stubHistory
	cache     *chatcache.Cache
	deps      SessionDeps
}

func activeUser(id string) *models.User {
	return &models.User{ID: id, Username: id, IsActive: true}
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	transport := newRecordingTransport()
	env := &sessionEnv{
		transport: transport,
		registry:  presence.NewRegistry(nil, nil, time.Minute),
		coord:     rooms.NewCoordinator(rooms.NewMembership(), transport, nil, time.Minute),
		users: &stubUsers{users: map[string]*models.User{
			"alice": activeUser("alice"),
			"bob":   activeUser("bob"),
		}},
		teams: &stubTeams{
			members: map[string]map[string]bool{
				"alice": {"team-7": true, "team-9": true},
				"bob":   {"team-7": true},
			},
			teams: map[string][]models.Team{},
		},
		history: &stubHistory{recent: map[string][]chatcache.Message{}},
		cache:   chatcache.New(chatcache.DefaultCapacity),
	}
	env.deps = SessionDeps{
		Presence: env.registry,
		Rooms:    env.coord,
		Users:    env.users,
		Teams:    env.teams,
		History:  env.history,
		Cache:    env.cache,
	}
	return env
}

func TestRegisterBindsPresence(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")

	require.Equal(t, "alice", sess.UserID())
	require.True(t, env.registry.IsOnline(ctx, "alice"))
	require.Equal(t, []string{"conn-a"}, env.registry.Connections(ctx, "alice"))
	require.Len(t, env.transport.eventsNamed(rooms.EventRegistered), 1)
}

func TestRegisterSameUserIsIdempotent(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.Register(ctx, "alice")

	require.Equal(t, []string{"conn-a"}, env.registry.Connections(ctx, "alice"))
}

func TestRegisterUnknownUserRejected(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	err := sess.Register(ctx, "mallory")

	require.Error(t, err)
	require.Empty(t, sess.UserID())
	require.False(t, env.registry.IsOnline(ctx, "mallory"))
}

func TestRegisterPinnedToSocketCredentials(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "alice", env.deps)
	ctx := context.Background()

	err := sess.Register(ctx, "bob")

	require.ErrorIs(t, err, apperrors.ErrForbidden)
	require.Empty(t, sess.UserID())
	require.False(t, env.registry.IsOnline(ctx, "bob"))
}

func TestReregisterDifferentUserReleasesOldIdentity(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	require.Equal(t, []string{"alice"}, env.coord.Occupants("team-7"))

	sess.Register(ctx, "bob")

	require.Equal(t, "bob", sess.UserID())
	require.Empty(t, sess.Room(), "room occupancy does not carry across identities")
	require.False(t, env.registry.IsOnline(ctx, "alice"))
	require.True(t, env.registry.IsOnline(ctx, "bob"))
	require.Empty(t, env.coord.Occupants("team-7"))
}

func TestJoinRequiresRegistration(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)

	err := sess.JoinRoom(context.Background(), "team-7")

	require.ErrorIs(t, err, apperrors.ErrInvalidRoomTransition)
	require.Empty(t, sess.Room())
	require.Empty(t, env.coord.Occupants("team-7"))
	require.Empty(t, env.transport.eventsNamed(rooms.EventOccupancyChanged))
}

func TestJoinRejectedForNonMember(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "bob")
	err := sess.JoinRoom(ctx, "team-9")

	require.ErrorIs(t, err, apperrors.ErrUnauthorizedRoomJoin)
	require.Empty(t, sess.Room())
	require.Empty(t, env.coord.Occupants("team-9"))
	require.Empty(t, env.transport.eventsNamed(rooms.EventOccupancyChanged))
}

func TestJoinRejectedWhenMembershipCheckFails(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	env.teams.err = errors.New("database offline")
	err := sess.JoinRoom(ctx, "team-7")

	require.ErrorIs(t, err, env.teams.err)
	require.Empty(t, sess.Room())
	require.Empty(t, env.coord.Occupants("team-7"))
}

func TestJoinSwitchesRoomLeavingFirst(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.JoinRoom(ctx, "team-9")

	require.Equal(t, "team-9", sess.Room())
	require.Empty(t, env.coord.Occupants("team-7"))
	require.Equal(t, []string{"alice"}, env.coord.Occupants("team-9"))
}

func TestRejoinSameRoomKeepsOccupancyAtOne(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.JoinRoom(ctx, "team-7")

	require.Equal(t, []string{"alice"}, env.coord.Occupants("team-7"))
	events := env.transport.eventsNamed(rooms.EventOccupancyChanged)
	require.Len(t, events, 2, "every join broadcasts")
	require.Equal(t, rooms.OccupancyData{RoomID: "team-7", Count: 1}, events[1].event.Data)
}

func TestLeaveWithoutRoomIsNoop(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	err := sess.LeaveRoom(ctx)

	require.ErrorIs(t, err, apperrors.ErrInvalidRoomTransition)
	require.Empty(t, env.transport.eventsNamed(rooms.EventOccupancyChanged))
}

func TestSendMessagePersistsCachesAndBroadcasts(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.SendMessage(ctx, "", "hello there", nil)

	require.Len(t, env.history.appended, 1)
	require.Equal(t, "hello there", env.history.appended[0].Content)
	require.Equal(t, "alice", env.history.appended[0].AuthorID)

	cached := env.cache.Recent("team-7", 10)
	require.Len(t, cached, 1)

	events := env.transport.eventsNamed(rooms.EventNewMessage)
	require.Len(t, events, 1)
	require.Equal(t, "conn-a", events[0].exclude, "sender does not echo to itself")
}

func TestSendMessageToForeignRoomDropped(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	err := sess.SendMessage(ctx, "team-9", "misrouted", nil)

	require.ErrorIs(t, err, apperrors.ErrInvalidRoomTransition)
	require.Empty(t, env.history.appended)
	require.Empty(t, env.transport.eventsNamed(rooms.EventNewMessage))
}

func TestSendMessageSurvivesHistoryFailure(t *testing.T) {
	env := newSessionEnv(t)
	env.history.appendErr = errors.New("disk full")
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.SendMessage(ctx, "", "still delivered", nil)

	require.Len(t, env.transport.eventsNamed(rooms.EventNewMessage), 1)
	require.Len(t, env.cache.Recent("team-7", 10), 1)
}

func TestJoinReplaysFromRingCache(t *testing.T) {
	env := newSessionEnv(t)
	env.cache.Append("team-7", chatcache.Message{ID: "m1", RoomID: "team-7", AuthorID: "bob", Content: "earlier"})
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")

	require.Len(t, env.transport.eventsNamed(rooms.EventRecentMessages), 1)
}

func TestJoinFallsBackToDurableHistory(t *testing.T) {
	env := newSessionEnv(t)
	env.history.recent["team-7"] = []chatcache.Message{
		{ID: "m1", RoomID: "team-7", AuthorID: "bob", Content: "from the archive"},
	}
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")

	require.Len(t, env.transport.eventsNamed(rooms.EventRecentMessages), 1)
}

func TestJoinSucceedsWhenReplayFails(t *testing.T) {
	env := newSessionEnv(t)
	env.history.recentErr = errors.New("query timeout")
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")

	require.Equal(t, "team-7", sess.Room())
	require.Empty(t, env.transport.eventsNamed(rooms.EventRecentMessages))
}

func TestTypingBroadcastExcludesSender(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.Typing(ctx, "", false)
	sess.Typing(ctx, "", true)

	started := env.transport.eventsNamed(rooms.EventUserTyping)
	require.Len(t, started, 1)
	require.Equal(t, "conn-a", started[0].exclude)
	require.Len(t, env.transport.eventsNamed(rooms.EventUserStoppedTyping), 1)
}

func TestDisconnectReleasesEverything(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.Disconnect(ctx)

	require.False(t, env.registry.IsOnline(ctx, "alice"))
	require.Empty(t, env.coord.Occupants("team-7"))

	events := env.transport.eventsNamed(rooms.EventOccupancyChanged)
	last := events[len(events)-1].event.Data.(rooms.OccupancyData)
	require.Equal(t, 0, last.Count, "departure is announced with a fresh count")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.Disconnect(ctx)
	broadcasts := len(env.transport.eventsNamed(rooms.EventOccupancyChanged))

	sess.Disconnect(ctx)

	require.Len(t, env.transport.eventsNamed(rooms.EventOccupancyChanged), broadcasts)
}

func TestEventsAfterDisconnectIgnored(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.Disconnect(ctx)
	sess.JoinRoom(ctx, "team-7")
	sess.SendMessage(ctx, "team-7", "ghost", nil)

	require.Empty(t, env.coord.Occupants("team-7"))
	require.Empty(t, env.transport.eventsNamed(rooms.EventNewMessage))
}

func TestSecondTabKeepsUserOnlineAfterFirstDisconnect(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	tab1 := NewSession("conn-a", "", env.deps)
	tab2 := NewSession("conn-b", "", env.deps)
	tab1.Register(ctx, "alice")
	tab2.Register(ctx, "alice")
	tab1.JoinRoom(ctx, "team-7")
	tab2.JoinRoom(ctx, "team-7")

	tab1.Disconnect(ctx)

	require.True(t, env.registry.IsOnline(ctx, "alice"))
	require.Equal(t, []string{"alice"}, env.coord.Occupants("team-7"))

	tab2.Disconnect(ctx)
	require.False(t, env.registry.IsOnline(ctx, "alice"))
	require.Empty(t, env.coord.Occupants("team-7"))
}

func TestSendMessageCarriesMetadata(t *testing.T) {
	env := newSessionEnv(t)
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")
	sess.JoinRoom(ctx, "team-7")
	sess.SendMessage(ctx, "", "build finished", map[string]any{"attachment": "build-421.log"})

	require.Len(t, env.history.appended, 1)
	require.Equal(t, "build-421.log", env.history.appended[0].Metadata["attachment"])

	events := env.transport.eventsNamed(rooms.EventNewMessage)
	require.Len(t, events, 1)
	broadcast := events[0].event.Data.(chatcache.Message)
	require.Equal(t, "build-421.log", broadcast.Metadata["attachment"])

	cached := env.cache.Recent("team-7", 10)
	require.Len(t, cached, 1)
	require.Equal(t, "build-421.log", cached[0].Metadata["attachment"])
}

// The presence entry TTL must not outlast a live connection: heartbeats from
// the transport keepalive re-stamp it while the socket stays open.
func TestHeartbeatKeepsIdleSessionOnline(t *testing.T) {
	env := newSessionEnv(t)
	registry := presence.NewRegistry(nil, nil, 100*time.Millisecond)
	env.registry = registry
	env.deps.Presence = registry
	sess := NewSession("conn-a", "", env.deps)
	ctx := context.Background()

	sess.Register(ctx, "alice")

	for i := 0; i < 2; i++ {
		time.Sleep(60 * time.Millisecond)
		sess.Heartbeat(ctx)
	}
	require.True(t, registry.IsOnline(ctx, "alice"), "idle connection stays online across TTL windows")

	sess.Disconnect(ctx)
	require.False(t, registry.IsOnline(ctx, "alice"))
}

// A disconnect racing a join on the same session must never leave membership
// residue: whichever handler wins, the loser observes its effect.
func TestDisconnectRacingJoinLeavesNoResidue(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		sess := NewSession(fmt.Sprintf("conn-%d", i), "", env.deps)
		sess.Register(ctx, "alice")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sess.JoinRoom(ctx, "team-7")
		}()
		go func() {
			defer wg.Done()
			sess.Disconnect(ctx)
		}()
		wg.Wait()
		sess.Disconnect(ctx)

		require.Empty(t, env.coord.Occupants("team-7"))
		require.False(t, env.registry.IsOnline(ctx, "alice"))
	}
}

func TestSnapshotCarriesTeamOccupancy(t *testing.T) {
	env := newSessionEnv(t)
	env.teams.teams["alice"] = []models.Team{
		{BaseModel: models.BaseModel{ID: "team-7"}, Name: "Platform"},
	}
	ctx := context.Background()

	other := NewSession("conn-b", "", env.deps)
	other.Register(ctx, "bob")
	other.JoinRoom(ctx, "team-7")

	sess := NewSession("conn-a", "", env.deps)
	sess.Register(ctx, "alice")

	snapshots := env.transport.eventsNamed(rooms.EventSnapshot)
	require.Len(t, snapshots, 2, "each register pushes one snapshot")
	require.Equal(t, "conn-a", snapshots[1].connID)
}
