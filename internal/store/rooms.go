package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/npezzotti/go-meetup/internal/clock"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/teris-io/shortid"
)

const (
	roomsRoot      = "rooms"
	membersNode    = "members"
	sessionsNode   = "sessions"
	historyNode    = "callHistory"
	callRoomNode   = "callRoom"
	timeFormat     = time.RFC3339Nano
	maxHistoryRead = 500
)

// Archiver receives every finalized call session for long term storage.
type Archiver interface {
	CreateCallRecord(ctx context.Context, s types.CallSession) error
}

// RoomRepository maps rooms, members, and call sessions onto store documents.
type RoomRepository struct {
	store   Store
	clock   clock.Clock
	archive Archiver
	newId   func() (string, error)
}

type Option func(*RoomRepository)

func WithArchive(a Archiver) Option {
	return func(r *RoomRepository) { r.archive = a }
}

func WithIdGenerator(gen func() (string, error)) Option {
	return func(r *RoomRepository) { r.newId = gen }
}

func NewRoomRepository(s Store, c clock.Clock, opts ...Option) *RoomRepository {
	r := &RoomRepository{
		store: s,
		clock: c,
		newId: shortid.Generate,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Invitee struct {
	UserId  string
	Display types.DisplayInfo
}

type CreateRoomParams struct {
	Name         string
	OwnerId      string
	OwnerDisplay types.DisplayInfo
	Invitees     []Invitee
}

// CreateRoom writes a room whose owner is already accepted and whose
// invitees are invited but not accepted.
func (r *RoomRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	if params.Name == "" || params.OwnerId == "" {
		return types.Room{}, errors.New("room name and owner are required")
	}

	id, err := r.newId()
	if err != nil {
		return types.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	now := r.clock.Now().UTC()
	room := types.Room{
		Id:            id,
		Name:          params.Name,
		OwnerId:       params.OwnerId,
		OwnerName:     params.OwnerDisplay.Name,
		OwnerPhotoURL: params.OwnerDisplay.PhotoURL,
		CreatedAt:     now,
		Members: map[string]types.Member{
			params.OwnerId: {
				UserId:      params.OwnerId,
				DisplayName: params.OwnerDisplay.Name,
				PhotoURL:    params.OwnerDisplay.PhotoURL,
				Invited:     true,
				Accepted:    true,
				LastUpdate:  now,
			},
		},
	}

	for _, inv := range params.Invitees {
		if inv.UserId == "" || inv.UserId == params.OwnerId {
			continue
		}
		room.Members[inv.UserId] = types.Member{
			UserId:      inv.UserId,
			DisplayName: inv.Display.Name,
			PhotoURL:    inv.Display.PhotoURL,
			Invited:     true,
			Accepted:    false,
			LastUpdate:  now,
		}
	}

	for _, m := range room.Members {
		path, err := Join(roomsRoot, id, membersNode, m.UserId)
		if err != nil {
			return types.Room{}, err
		}
		if err := r.store.Set(ctx, path, encodeMember(m)); err != nil {
			return types.Room{}, fmt.Errorf("write member %s: %w", m.UserId, err)
		}
	}

	// the room document is written last so readers never see a room without its owner
	path, err := Join(roomsRoot, id)
	if err != nil {
		return types.Room{}, err
	}
	if err := r.store.Set(ctx, path, Document{
		"name":            room.Name,
		"owner_id":        room.OwnerId,
		"owner_name":      room.OwnerName,
		"owner_photo_url": room.OwnerPhotoURL,
		"created_at":      formatTime(now),
	}); err != nil {
		return types.Room{}, fmt.Errorf("write room: %w", err)
	}

	return room, nil
}

// InviteMember adds an invited, not yet accepted member to an existing
// room. Inviting someone who is already a member changes nothing.
func (r *RoomRepository) InviteMember(ctx context.Context, roomId string, inv Invitee) (types.Member, error) {
	if _, err := r.GetRoom(ctx, roomId); err != nil {
		return types.Member{}, err
	}
	if existing, err := r.GetMember(ctx, roomId, inv.UserId); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return types.Member{}, err
	}

	path, err := Join(roomsRoot, roomId, membersNode, inv.UserId)
	if err != nil {
		return types.Member{}, err
	}
	m := types.Member{
		UserId:      inv.UserId,
		DisplayName: inv.Display.Name,
		PhotoURL:    inv.Display.PhotoURL,
		Invited:     true,
		LastUpdate:  r.clock.Now().UTC(),
	}
	if err := r.store.Set(ctx, path, encodeMember(m)); err != nil {
		return types.Member{}, fmt.Errorf("write member %s: %w", m.UserId, err)
	}
	return m, nil
}

// GetRoom returns the room with its members, or ErrNotFound.
func (r *RoomRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	path, err := Join(roomsRoot, roomId)
	if err != nil {
		return types.Room{}, err
	}

	doc, err := r.store.Get(ctx, path)
	if err != nil {
		return types.Room{}, err
	}

	members, err := r.GetMembers(ctx, roomId)
	if err != nil {
		return types.Room{}, err
	}

	return types.Room{
		Id:            roomId,
		Name:          doc["name"],
		OwnerId:       doc["owner_id"],
		OwnerName:     doc["owner_name"],
		OwnerPhotoURL: doc["owner_photo_url"],
		CreatedAt:     parseTime(doc["created_at"]),
		Members:       members,
	}, nil
}

func (r *RoomRepository) GetMembers(ctx context.Context, roomId string) (map[string]types.Member, error) {
	membersPath, err := Join(roomsRoot, roomId, membersNode)
	if err != nil {
		return nil, err
	}

	ids, err := r.store.Children(ctx, membersPath)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	members := make(map[string]types.Member, len(ids))
	for _, id := range ids {
		doc, err := r.store.Get(ctx, membersPath+"/"+id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get member %s: %w", id, err)
		}
		members[id] = decodeMember(id, doc)
	}
	return members, nil
}

func (r *RoomRepository) GetMember(ctx context.Context, roomId, userId string) (types.Member, error) {
	path, err := Join(roomsRoot, roomId, membersNode, userId)
	if err != nil {
		return types.Member{}, err
	}
	doc, err := r.store.Get(ctx, path)
	if err != nil {
		return types.Member{}, err
	}
	return decodeMember(userId, doc), nil
}

func (r *RoomRepository) SetMemberAccepted(ctx context.Context, roomId, userId string, accepted bool) error {
	return r.patchMember(ctx, roomId, userId, Document{"accepted": strconv.FormatBool(accepted)})
}

func (r *RoomRepository) SetMemberInCall(ctx context.Context, roomId, userId string, inCall bool) error {
	return r.patchMember(ctx, roomId, userId, Document{"in_call": strconv.FormatBool(inCall)})
}

func (r *RoomRepository) patchMember(ctx context.Context, roomId, userId string, patch Document) error {
	path, err := Join(roomsRoot, roomId, membersNode, userId)
	if err != nil {
		return err
	}
	patch["uid"] = userId
	patch["last_update"] = formatTime(r.clock.Now().UTC())
	return r.store.Set(ctx, path, patch)
}

// SubscribeMembers calls onChange whenever any member of the room changes.
func (r *RoomRepository) SubscribeMembers(ctx context.Context, roomId string, onChange func()) (Unsubscribe, error) {
	path, err := Join(roomsRoot, roomId, membersNode)
	if err != nil {
		return nil, err
	}
	return r.store.Subscribe(ctx, path, func(string) { onChange() })
}

// StartCallSession writes the full record of a session that has just joined.
func (r *RoomRepository) StartCallSession(ctx context.Context, s types.CallSession) error {
	path, err := Join(roomsRoot, s.RoomId, sessionsNode, s.UserId)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, path, encodeCallSession(s, r.clock.Now().UTC()))
}

// CheckpointCallSession records the in-progress duration of an active session.
func (r *RoomRepository) CheckpointCallSession(ctx context.Context, roomId, userId string, durationSeconds uint64) error {
	path, err := Join(roomsRoot, roomId, sessionsNode, userId)
	if err != nil {
		return err
	}
	d := strconv.FormatUint(durationSeconds, 10)
	return r.store.Set(ctx, path, Document{
		"duration_seconds":              d,
		"checkpointed_duration_seconds": d,
		"updated_at":                    formatTime(r.clock.Now().UTC()),
	})
}

// FinalizeCallSession persists the closed session, appends it to the room's
// call history and hands it to the archive when one is configured.
func (r *RoomRepository) FinalizeCallSession(ctx context.Context, s types.CallSession) error {
	path, err := Join(roomsRoot, s.RoomId, sessionsNode, s.UserId)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	if err := r.store.Set(ctx, path, encodeCallSession(s, now)); err != nil {
		return fmt.Errorf("write call session: %w", err)
	}

	endedAt := now
	if s.LeftAt != nil {
		endedAt = s.LeftAt.UTC()
	}
	historyPath, err := Join(roomsRoot, s.RoomId, historyNode, s.UserId, strconv.FormatInt(endedAt.UnixMilli(), 10))
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, historyPath, Document{
		"duration_seconds": strconv.FormatUint(s.DurationSeconds, 10),
		"joined_at":        formatTime(s.JoinedAt),
		"ended_at":         formatTime(endedAt),
	}); err != nil {
		return fmt.Errorf("write call history: %w", err)
	}

	if r.archive != nil {
		if err := r.archive.CreateCallRecord(ctx, s); err != nil {
			return fmt.Errorf("archive call session: %w", err)
		}
	}
	return nil
}

func (r *RoomRepository) GetCallSession(ctx context.Context, roomId, userId string) (types.CallSession, error) {
	path, err := Join(roomsRoot, roomId, sessionsNode, userId)
	if err != nil {
		return types.CallSession{}, err
	}
	doc, err := r.store.Get(ctx, path)
	if err != nil {
		return types.CallSession{}, err
	}
	return decodeCallSession(roomId, userId, doc), nil
}

// CallHistory returns a user's finished calls in a room, newest first.
func (r *RoomRepository) CallHistory(ctx context.Context, roomId, userId string) ([]types.CallHistoryEntry, error) {
	path, err := Join(roomsRoot, roomId, historyNode, userId)
	if err != nil {
		return nil, err
	}

	keys, err := r.store.Children(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	if len(keys) > maxHistoryRead {
		keys = keys[len(keys)-maxHistoryRead:]
	}

	entries := make([]types.CallHistoryEntry, 0, len(keys))
	for _, key := range keys {
		doc, err := r.store.Get(ctx, path+"/"+key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get call history %s: %w", key, err)
		}
		entries = append(entries, types.CallHistoryEntry{
			RoomId:          roomId,
			UserId:          userId,
			DurationSeconds: parseUint(doc["duration_seconds"]),
			JoinedAt:        parseTime(doc["joined_at"]),
			EndedAt:         parseTime(doc["ended_at"]),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].EndedAt.After(entries[j].EndedAt) })
	return entries, nil
}

func (r *RoomRepository) GetCallRoom(ctx context.Context, roomId string) (types.CallRoom, error) {
	path, err := Join(roomsRoot, roomId, callRoomNode)
	if err != nil {
		return types.CallRoom{}, err
	}
	doc, err := r.store.Get(ctx, path)
	if err != nil {
		return types.CallRoom{}, err
	}

	cr := types.CallRoom{
		RoomId:     roomId,
		ProviderId: doc["provider_id"],
		URL:        doc["url"],
		Status:     types.CallRoomStatus(doc["status"]),
		CreatedAt:  parseTime(doc["created_at"]),
	}
	if v := doc["ended_at"]; v != "" {
		t := parseTime(v)
		cr.EndedAt = &t
	}
	return cr, nil
}

// PutCallRoom writes the provider room backing a room's call. An empty
// status is stored as active and a zero CreatedAt as now.
func (r *RoomRepository) PutCallRoom(ctx context.Context, cr types.CallRoom) error {
	path, err := Join(roomsRoot, cr.RoomId, callRoomNode)
	if err != nil {
		return err
	}
	if cr.Status == "" {
		cr.Status = types.CallRoomActive
	}
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = r.clock.Now()
	}
	endedAt := ""
	if cr.EndedAt != nil {
		endedAt = formatTime(cr.EndedAt.UTC())
	}
	return r.store.Set(ctx, path, Document{
		"provider_id": cr.ProviderId,
		"url":         cr.URL,
		"status":      string(cr.Status),
		"created_at":  formatTime(cr.CreatedAt.UTC()),
		"ended_at":    endedAt,
	})
}

func (r *RoomRepository) EndCallRoom(ctx context.Context, roomId string) error {
	path, err := Join(roomsRoot, roomId, callRoomNode)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, path, Document{
		"status":   string(types.CallRoomEnded),
		"ended_at": formatTime(r.clock.Now().UTC()),
	})
}

func (r *RoomRepository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func encodeMember(m types.Member) Document {
	return Document{
		"uid":         m.UserId,
		"name":        m.DisplayName,
		"photo_url":   m.PhotoURL,
		"invited":     strconv.FormatBool(m.Invited),
		"accepted":    strconv.FormatBool(m.Accepted),
		"in_call":     strconv.FormatBool(m.InCall),
		"last_update": formatTime(m.LastUpdate),
	}
}

func decodeMember(userId string, doc Document) types.Member {
	return types.Member{
		UserId:      userId,
		DisplayName: doc["name"],
		PhotoURL:    doc["photo_url"],
		Invited:     parseBool(doc["invited"]),
		Accepted:    parseBool(doc["accepted"]),
		InCall:      parseBool(doc["in_call"]),
		LastUpdate:  parseTime(doc["last_update"]),
	}
}

func encodeCallSession(s types.CallSession, now time.Time) Document {
	doc := Document{
		"room_id":                       s.RoomId,
		"user_id":                       s.UserId,
		"transport_session_id":          s.TransportSessionId,
		"joined_at":                     formatTime(s.JoinedAt),
		"left_at":                       "",
		"is_active":                     strconv.FormatBool(s.IsActive),
		"duration_seconds":              strconv.FormatUint(s.DurationSeconds, 10),
		"checkpointed_duration_seconds": strconv.FormatUint(s.CheckpointedDurationSeconds, 10),
		"updated_at":                    formatTime(now),
	}
	if s.LeftAt != nil {
		doc["left_at"] = formatTime(*s.LeftAt)
	}
	return doc
}

func decodeCallSession(roomId, userId string, doc Document) types.CallSession {
	s := types.CallSession{
		RoomId:                      roomId,
		UserId:                      userId,
		TransportSessionId:          doc["transport_session_id"],
		JoinedAt:                    parseTime(doc["joined_at"]),
		IsActive:                    parseBool(doc["is_active"]),
		DurationSeconds:             parseUint(doc["duration_seconds"]),
		CheckpointedDurationSeconds: parseUint(doc["checkpointed_duration_seconds"]),
	}
	if v := doc["left_at"]; v != "" {
		t := parseTime(v)
		s.LeftAt = &t
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
