package room

import (
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"coderoom/internal/models"
)

type Options struct {
	OutboxSize int
	ReplaySize int
	Policy     Policy
}

// Session is one attachment of a transport to a room connection.
type Session struct {
	RoomID      string
	Participant models.Participant
	Outbox      *Outbox
}

type JoinParams struct {
	Identity     models.Identity
	InviteCode   string
	ConnectionID string
	Now          time.Time
	// Attached is set when the caller already holds the transport.
	Attached bool
}

// Room is the in-memory state bundle of one live room. Every mutating
// operation holds the write lock for its whole duration; reads take the
// read lock and return copies.
type Room struct {
	mu       sync.RWMutex
	meta     models.Room
	registry *Registry
	document *Document
	events   *Broadcaster
	banned   map[string]struct{}
	voice    map[string]time.Time
	opts     Options
	closed   bool

	nextToken     uint64
	detachTimers  map[string]*time.Timer
	teardownToken uint64
	teardownTimer *time.Timer
}

// New builds a room from its metadata and seeds the document from the language template.
func New(meta models.Room, opts Options) (*Room, error) {
	r := &Room{
		meta:         meta,
		registry:     NewRegistry(meta.Capacity),
		document:     NewDocument(opts.Policy),
		events:       NewBroadcaster(opts.ReplaySize),
		banned:       make(map[string]struct{}),
		voice:        make(map[string]time.Time),
		opts:         opts,
		detachTimers: make(map[string]*time.Timer),
	}
	if err := r.document.Seed(Template(meta.Language)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Room) ID() string {
	return r.meta.ID
}

// Join admits a new connection, or resumes the user's connection that is
// waiting out its reconnect grace so capacity is not counted twice.
func (r *Room) Join(p JoinParams) (sess *Session, resumed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	if _, ok := r.banned[p.Identity.UserID]; ok {
		return nil, false, ErrBanned
	}
	existing := r.registry.ByUser(p.Identity.UserID)
	if !r.meta.IsPublic() && len(existing) == 0 && !r.inviteMatches(p.InviteCode) {
		return nil, false, ErrInvalidInvite
	}
	for _, m := range existing {
		if !m.Attached {
			sess := r.reattachLocked(m)
			m.Attached = p.Attached
			return sess, true, nil
		}
	}

	m := &Member{
		Participant: models.Participant{
			ConnectionID: p.ConnectionID,
			UserID:       p.Identity.UserID,
			DisplayName:  p.Identity.DisplayName,
			JoinedAt:     p.Now,
		},
		Outbox:   NewOutbox(r.opts.OutboxSize),
		Attached: p.Attached,
	}
	admitted, err := r.registry.Admit(m)
	if err != nil {
		return nil, false, err
	}
	if !admitted {
		current, _ := r.registry.Get(p.ConnectionID)
		return r.sessionLocked(current), false, nil
	}
	r.cancelTeardownLocked()
	r.sendSnapshotLocked(m)
	announceJoin(r.registry, r.meta.ID, m.Participant)
	return r.sessionLocked(m), false, nil
}

func (r *Room) inviteMatches(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || r.meta.InviteCode == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(r.meta.InviteCode)) == 1
}

// Attach binds a transport to an admitted connection. Any previous transport
// of that connection is superseded and the new one starts from a fresh snapshot.
func (r *Room) Attach(connectionID, userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	m, ok := r.registry.Get(connectionID)
	if !ok || m.Participant.UserID != userID {
		return nil, ErrNotConnected
	}
	sess := r.reattachLocked(m)
	m.Attached = true
	return sess, nil
}

func (r *Room) reattachLocked(m *Member) *Session {
	r.stopDetachLocked(m)
	m.Outbox.Close(ReasonSuperseded)
	m.Outbox = NewOutbox(r.opts.OutboxSize)
	r.sendSnapshotLocked(m)
	return r.sessionLocked(m)
}

func (r *Room) sendSnapshotLocked(m *Member) {
	revision, content := r.document.Snapshot()
	self := m.Participant
	m.Outbox.Push(models.Frame{
		Type:         models.FrameSnapshot,
		RoomID:       r.meta.ID,
		Revision:     revision,
		Content:      &content,
		Self:         &self,
		Participants: presenceSnapshot(r.registry),
	})
	r.events.Replay(m.Outbox)
}

func (r *Room) sessionLocked(m *Member) *Session {
	return &Session{RoomID: r.meta.ID, Participant: m.Participant, Outbox: m.Outbox}
}

// Detach marks the connection behind sess as having lost its transport and
// arms the reconnect grace timer. Detaching a superseded session is a no-op.
func (r *Room) Detach(sess *Session, grace time.Duration, expire func(token uint64)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	m, ok := r.registry.Get(sess.Participant.ConnectionID)
	if !ok || m.Outbox != sess.Outbox {
		return false
	}
	r.armDetachLocked(m, grace, expire)
	return true
}

// Await arms the grace timer for a connection admitted without a transport yet.
func (r *Room) Await(connectionID string, grace time.Duration, expire func(token uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.registry.Get(connectionID); ok && !m.Attached && m.detachToken == 0 {
		r.armDetachLocked(m, grace, expire)
	}
}

func (r *Room) armDetachLocked(m *Member, grace time.Duration, expire func(token uint64)) {
	r.stopDetachLocked(m)
	m.Attached = false
	r.nextToken++
	token := r.nextToken
	m.detachToken = token
	r.detachTimers[m.Participant.ConnectionID] = time.AfterFunc(grace, func() { expire(token) })
}

func (r *Room) stopDetachLocked(m *Member) {
	if t, ok := r.detachTimers[m.Participant.ConnectionID]; ok {
		t.Stop()
		delete(r.detachTimers, m.Participant.ConnectionID)
	}
	m.detachToken = 0
}

// ExpireDetached removes the connection if it is still waiting on the grace
// timer identified by token.
func (r *Room) ExpireDetached(connectionID string, token uint64) (models.Participant, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.registry.Get(connectionID)
	if r.closed || !ok || m.Attached || m.detachToken != token {
		return models.Participant{}, r.registry.Count(), false
	}
	p := r.removeLocked(connectionID, ReasonExpired)
	return p, r.registry.Count(), true
}

// Remove drops a connection and tells the others. Unknown ids are ignored.
func (r *Room) Remove(connectionID, reason string) (models.Participant, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.Participant{}, 0, false
	}
	if _, ok := r.registry.Get(connectionID); !ok {
		return models.Participant{}, r.registry.Count(), false
	}
	p := r.removeLocked(connectionID, reason)
	return p, r.registry.Count(), true
}

func (r *Room) removeLocked(connectionID, reason string) models.Participant {
	m, _ := r.registry.Remove(connectionID)
	r.stopDetachLocked(m)
	m.Outbox.Close(reason)
	if len(r.registry.ByUser(m.Participant.UserID)) == 0 {
		delete(r.voice, m.Participant.UserID)
	}
	announceLeave(r.registry, r.meta.ID, m.Participant, reason)
	return m.Participant
}

// Kick removes every connection of the target's user and bans the user for
// the lifetime of this in-memory room. Only the room creator may kick.
func (r *Room) Kick(moderator models.Identity, targetConnectionID string) (models.Participant, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.Participant{}, 0, ErrClosed
	}
	if moderator.UserID != r.meta.CreatedBy {
		return models.Participant{}, r.registry.Count(), ErrForbidden
	}
	target, ok := r.registry.Get(targetConnectionID)
	if !ok {
		return models.Participant{}, r.registry.Count(), ErrNotConnected
	}
	if target.Participant.UserID == moderator.UserID {
		return models.Participant{}, r.registry.Count(), fmt.Errorf("cannot kick yourself: %w", ErrForbidden)
	}
	kicked := target.Participant
	r.banned[kicked.UserID] = struct{}{}
	for _, m := range r.registry.ByUser(kicked.UserID) {
		m.Outbox.Push(models.Frame{Type: models.FrameKicked, RoomID: r.meta.ID, Reason: ReasonKicked})
		r.removeLocked(m.Participant.ConnectionID, ReasonKicked)
	}
	return kicked, r.registry.Count(), nil
}

func (r *Room) Unban(moderator models.Identity, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if moderator.UserID != r.meta.CreatedBy {
		return ErrForbidden
	}
	delete(r.banned, userID)
	return nil
}

// Submit applies a document mutation and sends the result to every member,
// the submitter included.
func (r *Room) Submit(connectionID string, baseRevision int64, content string) (models.DocumentUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.DocumentUpdate{}, ErrClosed
	}
	m, ok := r.registry.Get(connectionID)
	if !ok {
		return models.DocumentUpdate{}, ErrNotConnected
	}
	revision, err := r.document.Submit(baseRevision, content)
	if err != nil {
		return models.DocumentUpdate{Revision: revision}, err
	}
	update := models.DocumentUpdate{Revision: revision, Content: content, Author: m.Participant.ConnectionID}
	for _, member := range r.registry.Members() {
		member.Outbox.Push(models.Frame{
			Type:     models.FrameDocument,
			RoomID:   r.meta.ID,
			Revision: update.Revision,
			Content:  &update.Content,
			Author:   update.Author,
		})
	}
	return update, nil
}

// Publish stamps the event with the sender's identity and fans it out.
func (r *Room) Publish(connectionID string, ev models.Event) (models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.Event{}, ErrClosed
	}
	m, ok := r.registry.Get(connectionID)
	if !ok {
		return models.Event{}, ErrNotConnected
	}
	ev.RoomID = r.meta.ID
	ev.ConnectionID = m.Participant.ConnectionID
	ev.UserID = m.Participant.UserID
	ev.DisplayName = m.Participant.DisplayName
	r.events.Publish(r.registry, ev)
	return ev, nil
}

// NoteVoice records that the user was issued a voice session and announces it
// to the user's connections' peers.
func (r *Room) NoteVoice(userID string, ev models.Event, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	members := r.registry.ByUser(userID)
	if len(members) == 0 {
		return ErrNotConnected
	}
	r.voice[userID] = expiresAt
	sender := members[0].Participant
	ev.RoomID = r.meta.ID
	ev.ConnectionID = sender.ConnectionID
	ev.UserID = sender.UserID
	ev.DisplayName = sender.DisplayName
	for _, m := range r.registry.Members() {
		if m.Participant.UserID == userID {
			continue
		}
		m.Outbox.Push(models.Frame{Type: models.FrameEvent, RoomID: r.meta.ID, Event: &ev})
	}
	return nil
}

// VoiceUsers lists, sorted, the connected users holding an unexpired voice session.
func (r *Room) VoiceUsers(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := lo.Keys(lo.PickBy(r.voice, func(_ string, expiresAt time.Time) bool {
		return now.Before(expiresAt)
	}))
	slices.Sort(users)
	return users
}

// ScheduleTeardown arms the empty-room timer; fire receives the token to pass to CloseIfIdle.
func (r *Room) ScheduleTeardown(grace time.Duration, fire func(token uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.registry.Count() > 0 {
		return
	}
	r.cancelTeardownLocked()
	r.nextToken++
	token := r.nextToken
	r.teardownToken = token
	r.teardownTimer = time.AfterFunc(grace, func() { fire(token) })
}

func (r *Room) cancelTeardownLocked() {
	if r.teardownTimer != nil {
		r.teardownTimer.Stop()
		r.teardownTimer = nil
	}
	r.teardownToken = 0
}

// CloseIfIdle closes the room if it is still empty and token is the pending teardown.
func (r *Room) CloseIfIdle(token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.registry.Count() > 0 || r.teardownToken != token {
		return false
	}
	r.closeLocked(ReasonRoomClosed)
	return true
}

// Close disconnects everyone. Closed rooms reject every further operation.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(reason)
}

func (r *Room) closeLocked(reason string) {
	if r.closed {
		return
	}
	r.closed = true
	r.cancelTeardownLocked()
	frameType := models.FrameRoomReset
	if reason == ReasonRoomClosed {
		frameType = ""
	}
	for _, m := range r.registry.Members() {
		r.stopDetachLocked(m)
		if frameType != "" {
			m.Outbox.Push(models.Frame{Type: frameType, RoomID: r.meta.ID, Reason: reason})
		}
		m.Outbox.Close(reason)
	}
	r.registry = NewRegistry(r.meta.Capacity)
}

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Room) ListActive() []models.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry.ListActive()
}

// Presence is the public view of who is in the room, in join order.
func (r *Room) Presence() []models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return presenceSnapshot(r.registry)
}

func (r *Room) Document() (int64, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.document.Snapshot()
}

func (r *Room) Metadata() models.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry.Count()
}

// HasUser reports whether the user holds any connection, attached or not.
func (r *Room) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registry.ByUser(userID)) > 0
}

// Occupancy returns active count and capacity from one consistent read.
func (r *Room) Occupancy() (active, capacity int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registry.Count(), r.registry.Capacity()
}
