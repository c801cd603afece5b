package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	CategoryOnlineUsers  = "online_users"
	CategoryStatusUpdate = "status_update"
)

var ErrMissingCategory = errors.New("realtime message missing category")

// RealtimeMessage is one inbound frame. Raw holds the whole JSON object so
// listeners can decode the fields they care about.
type RealtimeMessage struct {
	Category string
	Raw      json.RawMessage
}

func ParseRealtimeMessage(data []byte) (RealtimeMessage, error) {
	var head struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return RealtimeMessage{}, fmt.Errorf("decode realtime message: %w", err)
	}
	if strings.TrimSpace(head.Category) == "" {
		return RealtimeMessage{}, ErrMissingCategory
	}

	return RealtimeMessage{Category: head.Category, Raw: append(json.RawMessage(nil), data...)}, nil
}

func (m RealtimeMessage) Decode(v any) error {
	if err := json.Unmarshal(m.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Category, err)
	}
	return nil
}

// UserRef accepts a user id sent either as a JSON string or a JSON number.
type UserRef string

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = UserRef(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*r = UserRef(n.String())
	return nil
}

type OnlineUsersPayload struct {
	Users []UserRef `json:"users"`
}

type StatusUpdatePayload struct {
	UserID   UserRef `json:"user_id"`
	IsOnline bool    `json:"is_online"`
}
