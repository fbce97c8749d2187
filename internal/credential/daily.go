package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-meetup/internal/clock"
)

const (
	DefaultDailyAPIURL = "https://api.daily.co/v1"
	requestTimeout     = 10 * time.Second
	maxErrorBody       = 4096
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daily api: status %d: %s", e.StatusCode, e.Body)
}

// DailyIssuer provisions a private Daily room per meetup room and mints
// meeting tokens for it through the Daily REST API.
type DailyIssuer struct {
	apiURL   string
	apiKey   string
	client   *http.Client
	clock    clock.Clock
	tokenTTL time.Duration
	roomTTL  time.Duration
}

func NewDailyIssuer(apiURL, apiKey string, c clock.Clock, tokenTTL time.Duration) *DailyIssuer {
	if apiURL == "" {
		apiURL = DefaultDailyAPIURL
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &DailyIssuer{
		apiURL:   strings.TrimRight(apiURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: requestTimeout},
		clock:    c,
		tokenTTL: tokenTTL,
		roomTTL:  DefaultRoomTTL,
	}
}

type dailyRoomProperties struct {
	EnableRecording   bool  `json:"enable_recording"`
	EnableChat        bool  `json:"enable_chat"`
	EnableScreenshare bool  `json:"enable_screenshare"`
	EnableKnocking    bool  `json:"enable_knocking"`
	EnablePrejoinUI   bool  `json:"enable_prejoin_ui"`
	StartVideoOff     bool  `json:"start_video_off"`
	StartAudioOff     bool  `json:"start_audio_off"`
	MaxParticipants   int   `json:"max_participants"`
	NotBefore         int64 `json:"nbf"`
	Expires           int64 `json:"exp"`
}

type dailyRoomRequest struct {
	Name       string              `json:"name"`
	Privacy    string              `json:"privacy"`
	Properties dailyRoomProperties `json:"properties"`
}

type dailyRoom struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type dailyTokenProperties struct {
	RoomName      string `json:"room_name"`
	UserId        string `json:"user_id"`
	UserName      string `json:"user_name"`
	IsOwner       bool   `json:"is_owner"`
	Expires       int64  `json:"exp"`
	StartVideoOff bool   `json:"start_video_off"`
	StartAudioOff bool   `json:"start_audio_off"`
}

type dailyTokenRequest struct {
	Properties dailyTokenProperties `json:"properties"`
}

type dailyToken struct {
	Token string `json:"token"`
}

func (d *DailyIssuer) Issue(ctx context.Context, req Request) (Credential, error) {
	room, err := d.ensureRoom(ctx, req.RoomId)
	if err != nil {
		return Credential{}, fmt.Errorf("ensure room: %w", err)
	}

	userName := req.Display.Name
	if userName == "" {
		userName = "Anonymous"
	}

	expires := d.clock.Now().Add(d.tokenTTL)
	var tok dailyToken
	err = d.do(ctx, http.MethodPost, "/meeting-tokens", dailyTokenRequest{
		Properties: dailyTokenProperties{
			RoomName:      room.Name,
			UserId:        req.UserId,
			UserName:      userName,
			IsOwner:       req.IsOwner,
			Expires:       expires.Unix(),
			StartVideoOff: true,
			StartAudioOff: false,
		},
	}, &tok)
	if err != nil {
		return Credential{}, fmt.Errorf("create meeting token: %w", err)
	}

	return Credential{
		Token:      tok.Token,
		RoomURL:    room.URL,
		ProviderId: room.Id,
		ExpiresAt:  expires,
	}, nil
}

func (d *DailyIssuer) ensureRoom(ctx context.Context, roomId string) (dailyRoom, error) {
	name := providerRoomName(roomId)
	now := d.clock.Now()

	var room dailyRoom
	err := d.do(ctx, http.MethodPost, "/rooms", dailyRoomRequest{
		Name:    name,
		Privacy: "private",
		Properties: dailyRoomProperties{
			EnableChat:        true,
			EnableScreenshare: true,
			EnablePrejoinUI:   true,
			MaxParticipants:   maxParticipants,
			NotBefore:         now.Unix(),
			Expires:           now.Add(d.roomTTL).Unix(),
		},
	}, &room)
	if err == nil {
		return room, nil
	}

	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusBadRequest &&
		strings.Contains(apiErr.Body, "already exists") {
		err = d.do(ctx, http.MethodGet, "/rooms/"+name, nil, &room)
		return room, err
	}
	return dailyRoom{}, err
}

func (d *DailyIssuer) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.apiURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
