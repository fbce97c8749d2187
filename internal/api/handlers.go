package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/types"
)

const healthTimeout = 2 * time.Second

type InviteeRequest struct {
	UserId   string `json:"user_id"`
	Name     string `json:"name"`
	PhotoURL string `json:"photo_url"`
}

type CreateRoomRequest struct {
	Name     string           `json:"name"`
	Invitees []InviteeRequest `json:"invitees"`
}

const (
	filterInvited  = "invited"
	filterAccepted = "accepted"
	filterInCall   = "in_call"
	filterAbsent   = "absent"
)

func (s *GoMeetupApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoMeetupApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *GoMeetupApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.rooms.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("room store health check failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if s.history != nil {
		if err := s.history.Ping(ctx); err != nil {
			s.log.Error().Err(err).Msg("database health check failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoMeetupApp) createRoom(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if req.Name == "" {
		s.writeError(w, NewBadRequestErrorf("room name is required"))
		return
	}

	params := store.CreateRoomParams{
		Name:         req.Name,
		OwnerId:      user.Id,
		OwnerDisplay: user.Display(),
	}
	for _, inv := range req.Invitees {
		if inv.UserId == "" {
			s.writeError(w, NewBadRequestErrorf("invitee user id is required"))
			return
		}
		params.Invitees = append(params.Invitees, store.Invitee{
			UserId:  inv.UserId,
			Display: types.DisplayInfo{Name: inv.Name, PhotoURL: inv.PhotoURL},
		})
	}

	room, err := s.rooms.CreateRoom(r.Context(), params)
	if err != nil {
		s.log.Error().Err(err).Msg("error creating room")
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.log.Info().Str("room_id", room.Id).Str("owner_id", user.Id).Int("invitees", len(params.Invitees)).Msg("created room")
	s.writeJson(w, http.StatusCreated, room)
}

// memberRoom loads the room named by the id query parameter and checks that
// the caller belongs to it.
func (s *GoMeetupApp) memberRoom(w http.ResponseWriter, r *http.Request, param string) (types.Room, types.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return types.Room{}, types.User{}, false
	}

	roomId := r.URL.Query().Get(param)
	if roomId == "" {
		s.writeError(w, NewBadRequestErrorf("%s is required", param))
		return types.Room{}, types.User{}, false
	}

	room, err := s.rooms.GetRoom(r.Context(), roomId)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
		} else {
			s.log.Error().Err(err).Str("room_id", roomId).Msg("error getting room")
			s.writeError(w, NewInternalServerError(err))
		}
		return types.Room{}, types.User{}, false
	}

	if _, ok := room.Members[user.Id]; !ok {
		s.writeError(w, NewForbiddenError())
		return types.Room{}, types.User{}, false
	}
	return room, user, true
}

func (s *GoMeetupApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.memberRoom(w, r, "id")
	if !ok {
		return
	}
	s.writeJson(w, http.StatusOK, room)
}

func (s *GoMeetupApp) getMembers(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.memberRoom(w, r, "id")
	if !ok {
		return
	}

	snap, err := s.members.Snapshot(r.Context(), room.Id)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", room.Id).Msg("error getting member snapshot")
		s.writeError(w, NewInternalServerError(err))
		return
	}

	switch filter := r.URL.Query().Get("filter"); filter {
	case "":
		s.writeJson(w, http.StatusOK, snap)
	case filterInvited:
		s.writeJson(w, http.StatusOK, snap.Invited)
	case filterAccepted:
		s.writeJson(w, http.StatusOK, snap.Accepted)
	case filterInCall:
		s.writeJson(w, http.StatusOK, snap.InCall)
	case filterAbsent:
		s.writeJson(w, http.StatusOK, snap.Absent)
	default:
		s.writeError(w, NewBadRequestErrorf("unknown filter %q", filter))
	}
}

func (s *GoMeetupApp) getHistory(w http.ResponseWriter, r *http.Request) {
	room, user, ok := s.memberRoom(w, r, "room_id")
	if !ok {
		return
	}

	userId := r.URL.Query().Get("user_id")
	if userId == "" && s.history == nil {
		userId = user.Id
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, NewBadRequestErrorf("invalid limit"))
			return
		}
		limit = n
	}

	if s.history != nil {
		records, err := s.history.ListCallRecords(r.Context(), room.Id, userId, limit)
		if err != nil {
			s.log.Error().Err(err).Str("room_id", room.Id).Msg("error listing call records")
			s.writeError(w, NewInternalServerError(err))
			return
		}
		s.writeJson(w, http.StatusOK, historyFromRecords(records))
		return
	}

	entries, err := s.rooms.CallHistory(r.Context(), room.Id, userId)
	if err != nil {
		s.log.Error().Err(err).Str("room_id", room.Id).Msg("error reading call history")
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if limit == 0 {
		limit = database.DefaultListLimit
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	s.writeJson(w, http.StatusOK, entries)
}

func historyFromRecords(records []database.CallRecord) []types.CallHistoryEntry {
	entries := make([]types.CallHistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, types.CallHistoryEntry{
			RoomId:          rec.RoomId,
			UserId:          rec.UserId,
			DurationSeconds: rec.DurationSeconds,
			JoinedAt:        rec.JoinedAt,
			EndedAt:         rec.LeftAt,
		})
	}
	return entries
}

func (s *GoMeetupApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	s.ws.Serve(conn, user)
}
