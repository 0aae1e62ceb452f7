package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coderoom/internal/config"
	"coderoom/internal/database"
	"coderoom/internal/models"
	"coderoom/internal/moderation"
	"coderoom/internal/room"
	"coderoom/internal/voice"
)

func testConfig() *config.Config {
	return &config.Config{
		Room: config.RoomConfig{
			ReconnectGrace:  time.Hour,
			TeardownGrace:   time.Hour,
			OutboxSize:      64,
			EventReplaySize: 10,
			DocPolicy:       config.DocPolicyLastWriteWins,
			DefaultCapacity: 6,
			MaxCapacity:     20,
			DefaultLanguage: "javascript",
			JanitorInterval: time.Minute,
		},
		Voice: config.VoiceConfig{
			Secret:   []byte("voice"),
			Endpoint: "wss://voice.test/rooms",
			TokenTTL: time.Minute,
		},
		Moderation: config.ModerationConfig{
			KickDuration:  10 * time.Minute,
			CensoredWords: []string{"badger"},
			CensorChar:    '*',
		},
	}
}

func newTestService(t *testing.T, mutate func(cfg *config.Config)) (*RoomService, *database.BadgerDB) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store, err := database.NewInMemoryBadgerDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	censor, err := moderation.NewCensor(cfg.Moderation.CensoredWords, cfg.Moderation.CensorChar)
	require.NoError(t, err)
	svc := NewRoomService(store, voice.NewTokenProvider(cfg.Voice), censor, cfg)
	t.Cleanup(svc.Shutdown)
	return svc, store
}

func user(name string) models.Identity {
	return models.Identity{UserID: "id-" + name, DisplayName: name}
}

func createRoom(t *testing.T, svc *RoomService, owner models.Identity, req models.CreateRoomRequest) *models.Room {
	t.Helper()
	meta, err := svc.Create(context.Background(), owner, &req)
	require.NoError(t, err)
	return meta
}

func connect(t *testing.T, svc *RoomService, who models.Identity, roomID string) *room.Session {
	t.Helper()
	sess, err := svc.Connect(context.Background(), who, roomID, "", "")
	require.NoError(t, err)
	return sess
}

func TestRoomService_Create_Applies_Defaults_And_Validates(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "  pairing  "})
	req.Equal("pairing", meta.Title)
	req.Equal("javascript", meta.Language)
	req.Equal(models.VisibilityPublic, meta.Visibility)
	req.Equal(6, meta.Capacity)
	req.Empty(meta.InviteCode)

	private := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "secret", Visibility: models.VisibilityPrivate, Language: "go"})
	req.Len(private.InviteCode, 8)

	for _, bad := range []models.CreateRoomRequest{
		{Title: "ab"},
		{Title: "valid", Language: "cobol"},
		{Title: "valid", Capacity: 1},
		{Title: "valid", Capacity: 21},
		{Title: "valid", Visibility: "hidden"},
	} {
		_, err := svc.Create(ctx, user("ada"), &bad)
		req.ErrorIs(err, ErrValidation)
	}
}

func TestRoomService_Create_Retries_Invite_Collisions(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	codes := []string{"SAMECODE", "SAMECODE", "OTHERCDE"}
	svc.newInvite = func() string {
		code := codes[0]
		codes = codes[1:]
		return code
	}

	first := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "first", Visibility: models.VisibilityPrivate})
	second := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "second", Visibility: models.VisibilityPrivate})
	req.Equal("SAMECODE", first.InviteCode)
	req.Equal("OTHERCDE", second.InviteCode)
}

func TestRoomService_Join_Enforces_Capacity(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "duo", Capacity: 2})

	_, err := svc.Join(ctx, user("ada"), meta.ID, "")
	req.NoError(err)
	_, err = svc.Join(ctx, user("bob"), meta.ID, "")
	req.NoError(err)
	_, err = svc.Join(ctx, user("cid"), meta.ID, "")
	req.ErrorIs(err, room.ErrFull)

	_, err = svc.Join(ctx, user("cid"), "missing", "")
	req.ErrorIs(err, room.ErrNotFound)
}

func TestRoomService_Private_Room_Invite_Flow(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "secret", Visibility: models.VisibilityPrivate})

	// Given no code
	_, err := svc.Join(ctx, user("bob"), meta.ID, "")
	req.ErrorIs(err, room.ErrInvalidInvite)

	// Given an unknown code
	_, _, err = svc.JoinByInvite(ctx, user("bob"), "NOTACODE")
	req.ErrorIs(err, room.ErrInvalidInvite)

	// Given the right code, typed in lower case
	joined, sess, err := svc.JoinByInvite(ctx, user("bob"), " "+strings.ToLower(meta.InviteCode)+" ")
	req.NoError(err)
	req.Equal(meta.ID, joined.ID)
	req.Equal("id-bob", sess.Participant.UserID)

	participants, err := svc.ListActive(ctx, user("bob"), meta.ID)
	req.NoError(err)
	req.Len(participants, 1)
	_, err = svc.ListActive(ctx, user("eve"), meta.ID)
	req.ErrorIs(err, room.ErrForbidden)

	presence, err := svc.Presence(ctx, user("bob"), meta.ID)
	req.NoError(err)
	req.Equal([]models.PresenceEntry{{ConnectionID: sess.Participant.ConnectionID, DisplayName: "bob"}}, presence)
	_, err = svc.Presence(ctx, user("eve"), meta.ID)
	req.ErrorIs(err, room.ErrForbidden)
}

func TestRoomService_Kick_Persists_Until_Unban(t *testing.T) {
	req := require.New(t)
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	owner := user("ada")
	meta := createRoom(t, svc, owner, models.CreateRoomRequest{Title: "secret", Visibility: models.VisibilityPrivate})
	_, err := svc.Connect(ctx, owner, meta.ID, "", meta.InviteCode)
	req.NoError(err)
	target, err := svc.Connect(ctx, user("mal"), meta.ID, "", meta.InviteCode)
	req.NoError(err)

	_, err = svc.Kick(ctx, user("mal"), meta.ID, &models.KickRequest{ConnectionID: target.Participant.ConnectionID})
	req.ErrorIs(err, room.ErrForbidden)

	_, err = svc.Kick(ctx, owner, meta.ID, &models.KickRequest{})
	req.ErrorIs(err, ErrValidation)
	req.ErrorIs(svc.Unban(ctx, owner, meta.ID, &models.UnbanRequest{}), ErrValidation)

	kicked, err := svc.Kick(ctx, owner, meta.ID, &models.KickRequest{ConnectionID: target.Participant.ConnectionID})
	req.NoError(err)
	req.Equal("id-mal", kicked.UserID)
	<-target.Outbox.Done()
	req.Equal(room.ReasonKicked, target.Outbox.Reason())

	banned, err := store.IsKicked(ctx, meta.ID, "id-mal", time.Now())
	req.NoError(err)
	req.True(banned)

	// The ban outlives the in-memory room
	svc.Shutdown()
	_, err = svc.Join(ctx, user("mal"), meta.ID, meta.InviteCode)
	req.ErrorIs(err, room.ErrBanned)

	req.ErrorIs(svc.Unban(ctx, user("mal"), meta.ID, &models.UnbanRequest{UserID: "id-mal"}), room.ErrForbidden)
	req.NoError(svc.Unban(ctx, owner, meta.ID, &models.UnbanRequest{UserID: "id-mal"}))
	_, err = svc.Join(ctx, user("mal"), meta.ID, meta.InviteCode)
	req.NoError(err)
}

func TestRoomService_Kick_Expires_With_Duration(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	owner := user("ada")
	meta := createRoom(t, svc, owner, models.CreateRoomRequest{Title: "public"})
	connect(t, svc, owner, meta.ID)
	target := connect(t, svc, user("mal"), meta.ID)
	_, err := svc.Kick(ctx, owner, meta.ID, &models.KickRequest{ConnectionID: target.Participant.ConnectionID})
	req.NoError(err)

	// Given the room was rebuilt and the kick duration has passed
	svc.Shutdown()
	svc.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, err = svc.Join(ctx, user("mal"), meta.ID, "")
	req.NoError(err)
	swept, err := svc.SweepExpiredKicks(ctx)
	req.NoError(err)
	req.Equal(1, swept)
}

func TestRoomService_Unattached_Join_Expires_And_Room_Tears_Down(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, func(cfg *config.Config) {
		cfg.Room.ReconnectGrace = 10 * time.Millisecond
		cfg.Room.TeardownGrace = 10 * time.Millisecond
	})
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "ephemeral"})

	// When Ada joins over HTTP but never opens her websocket
	_, err := svc.Join(ctx, user("ada"), meta.ID, "")
	req.NoError(err)

	// Then her seat is released and the room leaves memory
	req.Eventually(func() bool {
		_, live := svc.lookup(meta.ID)
		return !live
	}, time.Second, 5*time.Millisecond)

	// And it comes back from the store on the next join
	_, err = svc.Join(ctx, user("ada"), meta.ID, "")
	req.NoError(err)
}

func TestRoomService_Reconnect_Within_Grace_Keeps_Connection(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "stable", Capacity: 2})

	joined, err := svc.Join(ctx, user("ada"), meta.ID, "")
	req.NoError(err)
	first, err := svc.Connect(ctx, user("ada"), meta.ID, joined.Participant.ConnectionID, "")
	req.NoError(err)
	svc.Detach(first)

	// A fresh websocket without the id still finds the waiting connection
	second := connect(t, svc, user("ada"), meta.ID)
	req.Equal(joined.Participant.ConnectionID, second.Participant.ConnectionID)
	req.Equal(1, svc.activeCount(meta.ID))

	// Someone else cannot claim that connection
	_, err = svc.Connect(ctx, user("eve"), meta.ID, joined.Participant.ConnectionID, "")
	req.ErrorIs(err, room.ErrNotConnected)
}

func TestRoomService_Leave(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "leaving"})
	ada := connect(t, svc, user("ada"), meta.ID)
	bob := connect(t, svc, user("bob"), meta.ID)

	// Only the owner of a connection may end it
	req.ErrorIs(svc.Leave(ctx, user("ada"), meta.ID, bob.Participant.ConnectionID), room.ErrForbidden)
	req.NoError(svc.Leave(ctx, user("bob"), meta.ID, bob.Participant.ConnectionID))
	// A repeated leave is a no-op
	req.NoError(svc.Leave(ctx, user("bob"), meta.ID, bob.Participant.ConnectionID))
	req.NoError(svc.Leave(ctx, user("bob"), meta.ID, "never-admitted"))

	frames := ada.Outbox.Drain()
	last := frames[len(frames)-1]
	req.Equal(models.FramePresenceLeave, last.Type)
	req.Equal(room.ReasonLeft, last.Reason)
}

func TestRoomService_Leave_After_Grace_Expiry_Is_A_No_Op(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, func(cfg *config.Config) {
		cfg.Room.ReconnectGrace = 10 * time.Millisecond
	})
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "late"})
	connect(t, svc, user("ada"), meta.ID)
	bob := connect(t, svc, user("bob"), meta.ID)

	// Given Bob's transport dropped and the grace ran out
	svc.Detach(bob)
	<-bob.Outbox.Done()
	req.Equal(room.ReasonExpired, bob.Outbox.Reason())

	// When his explicit leave arrives afterwards
	req.NoError(svc.Leave(ctx, user("bob"), meta.ID, bob.Participant.ConnectionID))

	// Then nothing else changed
	req.Equal(1, svc.activeCount(meta.ID))
	req.NoError(svc.Leave(ctx, user("bob"), "not-live", bob.Participant.ConnectionID))
}

func TestRoomService_Publish_Censors_Chat(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "chatty"})
	ada := connect(t, svc, user("ada"), meta.ID)
	bob := connect(t, svc, user("bob"), meta.ID)
	bob.Outbox.Drain()

	ev, err := svc.Publish(ctx, meta.ID, ada.Participant.ConnectionID, &models.ClientMessage{Type: models.ClientChat, Text: "a badger!"})
	req.NoError(err)
	req.Equal("a ******!", ev.Text)
	req.NotEmpty(ev.ID)

	frames := bob.Outbox.Drain()
	req.Len(frames, 1)
	req.Equal("a ******!", frames[0].Event.Text)
	req.Equal("ada", frames[0].Event.DisplayName)

	_, err = svc.Publish(ctx, meta.ID, ada.Participant.ConnectionID, &models.ClientMessage{Type: models.ClientChat, Text: "   "})
	req.ErrorIs(err, ErrValidation)
	_, err = svc.Publish(ctx, meta.ID, ada.Participant.ConnectionID, &models.ClientMessage{Type: models.ClientDocSubmit})
	req.ErrorIs(err, ErrValidation)
}

func TestRoomService_Submit_Under_Strict_Policy(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, func(cfg *config.Config) { cfg.Room.DocPolicy = config.DocPolicyStrict })
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "careful"})
	ada := connect(t, svc, user("ada"), meta.ID)

	update, err := svc.SubmitDocument(ctx, meta.ID, ada.Participant.ConnectionID, 0, "first")
	req.NoError(err)
	req.Equal(int64(1), update.Revision)

	update, err = svc.SubmitDocument(ctx, meta.ID, ada.Participant.ConnectionID, 0, "stale")
	req.ErrorIs(err, room.ErrStale)
	req.Equal(int64(1), update.Revision)
}

func TestRoomService_Panic_Resets_Room(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "fragile"})
	ada := connect(t, svc, user("ada"), meta.ID)
	_, err := svc.SubmitDocument(ctx, meta.ID, ada.Participant.ConnectionID, 0, "work in progress")
	req.NoError(err)
	ada.Outbox.Drain()

	r, ok := svc.lookup(meta.ID)
	req.True(ok)
	err = svc.guard(r, func() error { panic("boom") })
	req.ErrorIs(err, room.ErrCorrupted)

	frames := ada.Outbox.Drain()
	req.Len(frames, 1)
	req.Equal(models.FrameRoomReset, frames[0].Type)
	_, ok = svc.lookup(meta.ID)
	req.False(ok)

	// The rebuilt room starts from the template again
	again := connect(t, svc, user("ada"), meta.ID)
	snapshot := again.Outbox.Drain()[0]
	req.Equal(int64(0), snapshot.Revision)
	req.Equal(room.Template("javascript"), *snapshot.Content)
}

func TestRoomService_VoiceToken(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "talky"})

	_, err := svc.VoiceToken(ctx, user("ada"), meta.ID)
	req.ErrorIs(err, room.ErrNotConnected)

	connect(t, svc, user("ada"), meta.ID)
	bob := connect(t, svc, user("bob"), meta.ID)
	bob.Outbox.Drain()

	session, err := svc.VoiceToken(ctx, user("ada"), meta.ID)
	req.NoError(err)
	req.Equal("wss://voice.test/rooms/"+meta.ID, session.URL)
	req.NotEmpty(session.Token)

	frames := bob.Outbox.Drain()
	req.Len(frames, 1)
	req.Equal(models.EventVoiceJoined, frames[0].Event.Type)
	req.Equal("id-ada", frames[0].Event.UserID)

	view, err := svc.GetRoom(ctx, user("bob"), meta.ID)
	req.NoError(err)
	req.Equal([]string{"id-ada"}, view.VoiceUsers)
}

func TestRoomService_Report(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "reported"})

	report, err := svc.Report(ctx, user("ada"), meta.ID, &models.ReportRequest{ReportedUserID: "id-mal", Reason: "spam"})
	req.NoError(err)
	req.Equal("id-ada", report.ReporterID)

	_, err = svc.Report(ctx, user("ada"), meta.ID, &models.ReportRequest{ReportedUserID: "id-ada", Reason: "me"})
	req.ErrorIs(err, ErrValidation)
	_, err = svc.Report(ctx, user("ada"), meta.ID, &models.ReportRequest{ReportedUserID: "id-mal"})
	req.ErrorIs(err, ErrValidation)
	_, err = svc.Report(ctx, user("ada"), "missing", &models.ReportRequest{ReportedUserID: "id-mal", Reason: "spam"})
	req.ErrorIs(err, room.ErrNotFound)
}

func TestRoomService_ListRooms_And_GetRoom(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	public := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "open"})
	private := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "closed", Visibility: models.VisibilityPrivate})
	connect(t, svc, user("bob"), public.ID)

	rooms, err := svc.ListRooms(ctx)
	req.NoError(err)
	req.Len(rooms, 1)
	req.Equal(public.ID, rooms[0].ID)
	req.Equal(1, rooms[0].ActiveCount)

	view, err := svc.GetRoom(ctx, user("ada"), private.ID)
	req.NoError(err)
	req.Equal(private.InviteCode, view.InviteCode)
	view, err = svc.GetRoom(ctx, user("bob"), private.ID)
	req.NoError(err)
	req.Empty(view.InviteCode)
}

func TestRoomService_Concurrent_Joins_Respect_Capacity(t *testing.T) {
	req := require.New(t)
	svc, _ := newTestService(t, nil)
	meta := createRoom(t, svc, user("ada"), models.CreateRoomRequest{Title: "crowded", Capacity: 3})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Join(context.Background(), user(string(rune('a'+i))), meta.ID, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	admitted := 0
	for err := range errs {
		if err == nil {
			admitted++
			continue
		}
		req.ErrorIs(err, room.ErrFull)
	}
	req.Equal(3, admitted)
	req.Equal(3, svc.activeCount(meta.ID))
}
