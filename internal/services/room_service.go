package services

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"coderoom/internal/config"
	"coderoom/internal/database"
	"coderoom/internal/models"
	"coderoom/internal/moderation"
	"coderoom/internal/room"
	"coderoom/internal/voice"
	"coderoom/pkg/logger"
)

const inviteAttempts = 5

// RoomService owns the live rooms. A room is loaded from the store on first
// access and dropped again once it has been empty for the teardown grace.
// Lock order is RoomService.mu before any room lock.
type RoomService struct {
	db        database.Database
	voice     voice.Provider
	censor    *moderation.Censor
	cfg       config.RoomConfig
	kickFor   time.Duration
	validate  *validator.Validate
	newInvite func() string
	now       func() time.Time

	mu   sync.Mutex
	live map[string]*room.Room
}

func NewRoomService(db database.Database, voice voice.Provider, censor *moderation.Censor, cfg *config.Config) *RoomService {
	return &RoomService{
		db:        db,
		voice:     voice,
		censor:    censor,
		cfg:       cfg.Room,
		kickFor:   cfg.Moderation.KickDuration,
		validate:  validator.New(),
		newInvite: newInviteCode,
		now:       time.Now,
		live:      make(map[string]*room.Room),
	}
}

func newInviteCode() string {
	// 5 bytes -> 8 chars of base32
	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}

func (s *RoomService) roomOptions() room.Options {
	policy := room.LastWriteWins
	if s.cfg.DocPolicy == config.DocPolicyStrict {
		policy = room.Strict
	}
	return room.Options{OutboxSize: s.cfg.OutboxSize, ReplaySize: s.cfg.EventReplaySize, Policy: policy}
}

// Create persists a new room. Private rooms get a fresh invite code.
func (s *RoomService) Create(ctx context.Context, identity models.Identity, req *models.CreateRoomRequest) (*models.Room, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Capacity > s.cfg.MaxCapacity {
		return nil, fmt.Errorf("%w: max_users must be at most %d", ErrValidation, s.cfg.MaxCapacity)
	}

	meta := &models.Room{
		ID:            uuid.NewString(),
		Title:         req.Title,
		Language:      lo.Ternary(req.Language != "", req.Language, s.cfg.DefaultLanguage),
		Visibility:    lo.Ternary(req.Visibility != "", req.Visibility, models.VisibilityPublic),
		Capacity:      lo.Ternary(req.Capacity != 0, req.Capacity, s.cfg.DefaultCapacity),
		CreatedBy:     identity.UserID,
		CreatedByName: identity.DisplayName,
		CreatedAt:     s.now().UTC(),
	}

	var err error
	for attempt := 0; attempt < inviteAttempts; attempt++ {
		if !meta.IsPublic() {
			meta.InviteCode = s.newInvite()
		}
		err = s.db.CreateRoom(ctx, meta)
		if !errors.Is(err, database.ErrDuplicate) {
			break
		}
		logger.Warn("Invite code collision for room %s, retrying", meta.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	logger.Info("Room %s (%s) created by %s", meta.ID, meta.Visibility, identity.UserID)
	return meta, nil
}

func (s *RoomService) lookup(roomID string) (*room.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.live[roomID]
	return r, ok
}

// load returns the live room, rehydrating it from the store if needed.
func (s *RoomService) load(ctx context.Context, roomID string) (*room.Room, error) {
	if r, ok := s.lookup(roomID); ok {
		return r, nil
	}

	meta, err := s.db.GetRoomByID(ctx, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, room.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	fresh, err := room.New(*meta, s.roomOptions())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.live[roomID]; ok {
		return r, nil
	}
	s.live[roomID] = fresh
	// Idle until somebody joins.
	s.scheduleTeardown(fresh)
	logger.Debug("Room %s loaded", roomID)
	return fresh, nil
}

func (s *RoomService) evict(r *room.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[r.ID()] == r {
		delete(s.live, r.ID())
	}
}

// guard runs a room operation. A panic or a corrupted state resets the room:
// everyone is disconnected and the next access rebuilds it from the store.
func (s *RoomService) guard(r *room.Room, op func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered panic in room %s: %v", r.ID(), p)
			err = fmt.Errorf("%v: %w", p, room.ErrCorrupted)
		}
		if errors.Is(err, room.ErrCorrupted) {
			r.Close(room.ReasonRoomReset)
			s.evict(r)
			logger.Warn("Room %s reset: %v", r.ID(), err)
		}
	}()
	return op()
}

func (s *RoomService) scheduleTeardown(r *room.Room) {
	r.ScheduleTeardown(s.cfg.TeardownGrace, func(token uint64) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !r.CloseIfIdle(token) {
			return
		}
		if s.live[r.ID()] == r {
			delete(s.live, r.ID())
		}
		logger.Info("Room %s torn down", r.ID())
	})
}

func (s *RoomService) expireFunc(r *room.Room, connectionID string) func(uint64) {
	return func(token uint64) {
		p, remaining, ok := r.ExpireDetached(connectionID, token)
		if !ok {
			return
		}
		logger.Info("Connection %s of %s expired from room %s", connectionID, p.UserID, r.ID())
		if remaining == 0 {
			s.scheduleTeardown(r)
		}
	}
}

// Join admits the caller over HTTP. The connection must be attached with
// Connect before the reconnect grace runs out.
func (s *RoomService) Join(ctx context.Context, identity models.Identity, roomID, inviteCode string) (*room.Session, error) {
	_, sess, err := s.join(ctx, identity, roomID, inviteCode, false)
	return sess, err
}

// JoinByInvite resolves an invite code and joins its room.
func (s *RoomService) JoinByInvite(ctx context.Context, identity models.Identity, code string) (*models.Room, *room.Session, error) {
	meta, err := s.db.GetRoomByInviteCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, room.ErrInvalidInvite
	}
	if err != nil {
		return nil, nil, err
	}
	r, sess, err := s.join(ctx, identity, meta.ID, meta.InviteCode, false)
	if err != nil {
		return nil, nil, err
	}
	joined := r.Metadata()
	return &joined, sess, nil
}

// Connect binds a websocket to the room. With a connection id it attaches to
// that admitted connection; without one it joins and attaches in one step.
func (s *RoomService) Connect(ctx context.Context, identity models.Identity, roomID, connectionID, inviteCode string) (*room.Session, error) {
	if connectionID == "" {
		_, sess, err := s.join(ctx, identity, roomID, inviteCode, true)
		return sess, err
	}
	r, ok := s.lookup(roomID)
	if !ok {
		return nil, room.ErrNotConnected
	}
	var sess *room.Session
	err := s.guard(r, func() error {
		var err error
		sess, err = r.Attach(connectionID, identity.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("Connection %s attached to room %s", connectionID, roomID)
	return sess, nil
}

func (s *RoomService) join(ctx context.Context, identity models.Identity, roomID, inviteCode string, attached bool) (*room.Room, *room.Session, error) {
	r, err := s.load(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	kicked, err := s.db.IsKicked(ctx, roomID, identity.UserID, s.now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check kicks: %w", err)
	}
	if kicked {
		return nil, nil, room.ErrBanned
	}

	for attempt := 0; attempt < 3; attempt++ {
		var (
			sess    *room.Session
			resumed bool
		)
		err = s.guard(r, func() error {
			var err error
			sess, resumed, err = r.Join(room.JoinParams{
				Identity:     identity,
				InviteCode:   inviteCode,
				ConnectionID: uuid.NewString(),
				Now:          s.now().UTC(),
				Attached:     attached,
			})
			return err
		})
		if errors.Is(err, room.ErrClosed) {
			// Lost a race with teardown; rebuild and retry.
			s.evict(r)
			if r, err = s.load(ctx, roomID); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !attached {
			r.Await(sess.Participant.ConnectionID, s.cfg.ReconnectGrace, s.expireFunc(r, sess.Participant.ConnectionID))
		}
		logger.Info("User %s joined room %s as %s (resumed: %t)", identity.UserID, roomID, sess.Participant.ConnectionID, resumed)
		return r, sess, nil
	}
	return nil, nil, room.ErrClosed
}

// Detach is called when a transport goes away without an explicit leave.
func (s *RoomService) Detach(sess *room.Session) {
	r, ok := s.lookup(sess.RoomID)
	if !ok {
		return
	}
	if r.Detach(sess, s.cfg.ReconnectGrace, s.expireFunc(r, sess.Participant.ConnectionID)) {
		logger.Debug("Connection %s detached from room %s", sess.Participant.ConnectionID, sess.RoomID)
	}
}

// Leave removes one of the caller's connections. Leaving a connection that
// is already gone is a no-op; it may have expired or been kicked first.
func (s *RoomService) Leave(_ context.Context, identity models.Identity, roomID, connectionID string) error {
	r, ok := s.lookup(roomID)
	if !ok {
		return nil
	}
	p, found := lo.Find(r.ListActive(), func(p models.Participant) bool {
		return p.ConnectionID == connectionID
	})
	if !found {
		return nil
	}
	if p.UserID != identity.UserID {
		return room.ErrForbidden
	}
	_, remaining, removed := r.Remove(connectionID, room.ReasonLeft)
	if !removed {
		return nil
	}
	logger.Info("User %s left room %s", identity.UserID, roomID)
	if remaining == 0 {
		s.scheduleTeardown(r)
	}
	return nil
}

// Kick disconnects every connection of the target's user and keeps the user
// out for the kick duration. Only the room creator may kick.
func (s *RoomService) Kick(ctx context.Context, moderator models.Identity, roomID string, req *models.KickRequest) (*models.Participant, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	r, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var (
		kicked    models.Participant
		remaining int
	)
	err = s.guard(r, func() error {
		var err error
		kicked, remaining, err = r.Kick(moderator, req.ConnectionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.db.RecordKick(ctx, &models.Kick{
		RoomID:    roomID,
		UserID:    kicked.UserID,
		KickedBy:  moderator.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.kickFor),
	}); err != nil {
		// The in-memory ban still holds while the room is live.
		logger.Error("Failed to record kick of %s in room %s: %v", kicked.UserID, roomID, err)
	}
	logger.Info("User %s kicked from room %s by %s", kicked.UserID, roomID, moderator.UserID)
	if remaining == 0 {
		s.scheduleTeardown(r)
	}
	return &kicked, nil
}

// Unban lifts both the live ban and the stored kick.
func (s *RoomService) Unban(ctx context.Context, moderator models.Identity, roomID string, req *models.UnbanRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	userID := req.UserID
	meta, err := s.metadata(ctx, roomID)
	if err != nil {
		return err
	}
	if meta.CreatedBy != moderator.UserID {
		return room.ErrForbidden
	}
	if err := s.db.ClearKick(ctx, roomID, userID); err != nil {
		return fmt.Errorf("failed to clear kick: %w", err)
	}
	if r, ok := s.lookup(roomID); ok {
		return r.Unban(moderator, userID)
	}
	return nil
}

func (s *RoomService) SubmitDocument(_ context.Context, roomID, connectionID string, baseRevision int64, content string) (models.DocumentUpdate, error) {
	r, ok := s.lookup(roomID)
	if !ok {
		return models.DocumentUpdate{}, room.ErrNotConnected
	}
	var update models.DocumentUpdate
	err := s.guard(r, func() error {
		var err error
		update, err = r.Submit(connectionID, baseRevision, content)
		return err
	})
	return update, err
}

// Publish turns a chat or cursor message into an event for the other participants.
func (s *RoomService) Publish(_ context.Context, roomID, connectionID string, msg *models.ClientMessage) (models.Event, error) {
	ev := models.Event{ID: uuid.NewString(), Timestamp: s.now().UTC()}
	switch msg.Type {
	case models.ClientChat:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return models.Event{}, fmt.Errorf("%w: empty chat message", ErrValidation)
		}
		if masked, changed := s.censor.Apply(text); changed {
			logger.Debug("Censored chat message in room %s", roomID)
			text = masked
		}
		ev.Type = models.EventChat
		ev.Text = text
	case models.ClientCursor:
		ev.Type = models.EventCursor
		ev.Payload = msg.Payload
	default:
		return models.Event{}, fmt.Errorf("%w: cannot publish %q", ErrValidation, msg.Type)
	}

	r, ok := s.lookup(roomID)
	if !ok {
		return models.Event{}, room.ErrNotConnected
	}
	var published models.Event
	err := s.guard(r, func() error {
		var err error
		published, err = r.Publish(connectionID, ev)
		return err
	})
	return published, err
}

// VoiceToken issues a voice session to a user connected to the room and
// tells the other participants.
func (s *RoomService) VoiceToken(ctx context.Context, identity models.Identity, roomID string) (*models.VoiceSession, error) {
	r, ok := s.lookup(roomID)
	if !ok || !r.HasUser(identity.UserID) {
		return nil, room.ErrNotConnected
	}
	session, err := s.voice.Issue(ctx, roomID, identity)
	if err != nil {
		return nil, err
	}
	ev := models.Event{ID: uuid.NewString(), Type: models.EventVoiceJoined, Timestamp: s.now().UTC()}
	if err := r.NoteVoice(identity.UserID, ev, session.ExpiresAt); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *RoomService) Report(ctx context.Context, reporter models.Identity, roomID string, req *models.ReportRequest) (*models.Report, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.ReportedUserID == reporter.UserID {
		return nil, fmt.Errorf("%w: cannot report yourself", ErrValidation)
	}
	if _, err := s.metadata(ctx, roomID); err != nil {
		return nil, err
	}
	report := &models.Report{
		ID:             uuid.NewString(),
		RoomID:         roomID,
		ReporterID:     reporter.UserID,
		ReportedUserID: req.ReportedUserID,
		Reason:         req.Reason,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.db.RecordReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to record report: %w", err)
	}
	logger.Info("User %s reported %s in room %s", reporter.UserID, req.ReportedUserID, roomID)
	return report, nil
}

func (s *RoomService) activeCount(roomID string) int {
	if r, ok := s.lookup(roomID); ok {
		return r.Count()
	}
	return 0
}

// ListRooms returns the public rooms, newest first, with live occupancy.
func (s *RoomService) ListRooms(ctx context.Context) ([]models.RoomView, error) {
	rooms, err := s.db.ListPublicRooms(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Map(rooms, func(meta *models.Room, _ int) models.RoomView {
		return models.RoomView{Room: meta.Public(), ActiveCount: s.activeCount(meta.ID)}
	}), nil
}

func (s *RoomService) metadata(ctx context.Context, roomID string) (*models.Room, error) {
	meta, err := s.db.GetRoomByID(ctx, roomID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, room.ErrNotFound
	}
	return meta, err
}

// GetRoom shows the invite code only to the creator.
func (s *RoomService) GetRoom(ctx context.Context, identity models.Identity, roomID string) (*models.RoomView, error) {
	meta, err := s.metadata(ctx, roomID)
	if err != nil {
		return nil, err
	}
	view := models.RoomView{Room: *meta}
	if r, live := s.lookup(roomID); live {
		view.ActiveCount = r.Count()
		view.VoiceUsers = r.VoiceUsers(s.now())
	}
	if meta.CreatedBy != identity.UserID {
		view.Room = meta.Public()
	}
	return &view, nil
}

// visible returns the live room, if any, after checking that the caller may
// see who is inside. Private rooms only show that to the creator and current
// participants.
func (s *RoomService) visible(ctx context.Context, identity models.Identity, roomID string) (*room.Room, bool, error) {
	meta, err := s.metadata(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	r, live := s.lookup(roomID)
	if !meta.IsPublic() && meta.CreatedBy != identity.UserID && (!live || !r.HasUser(identity.UserID)) {
		return nil, false, room.ErrForbidden
	}
	return r, live, nil
}

// ListActive lists the admitted connections in join order.
func (s *RoomService) ListActive(ctx context.Context, identity models.Identity, roomID string) ([]models.Participant, error) {
	r, live, err := s.visible(ctx, identity, roomID)
	if err != nil {
		return nil, err
	}
	if !live {
		return []models.Participant{}, nil
	}
	return r.ListActive(), nil
}

// Presence is the public snapshot of the room: connection ids and display
// names only.
func (s *RoomService) Presence(ctx context.Context, identity models.Identity, roomID string) ([]models.PresenceEntry, error) {
	r, live, err := s.visible(ctx, identity, roomID)
	if err != nil {
		return nil, err
	}
	if !live {
		return []models.PresenceEntry{}, nil
	}
	return r.Presence(), nil
}

// liveRooms is a snapshot of the rooms currently in memory.
func (s *RoomService) liveRooms() []*room.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Values(s.live)
}

// LiveCount is the number of rooms held in memory.
func (s *RoomService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *RoomService) SweepExpiredKicks(ctx context.Context) (int, error) {
	return s.db.DeleteExpiredKicks(ctx, s.now())
}

// RunJanitor sweeps expired kicks until ctx is done.
func (s *RoomService) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepExpiredKicks(ctx)
			if err != nil {
				logger.Error("Error sweeping expired kicks: %v", err)
				continue
			}
			if n > 0 {
				logger.Debug("Swept %d expired kicks", n)
			}
		}
	}
}

// Shutdown closes every live room.
func (s *RoomService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.live {
		r.Close(room.ReasonRoomClosed)
		delete(s.live, id)
	}
	logger.Info("All rooms closed")
}
