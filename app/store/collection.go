package store

import (
	"encoding/json"
	"fmt"
)

// top-level keys in the primary backend. All session writes go through the
// single sessions key so the queue's serialization covers the whole
// collection read-modify-write.
const (
	SessionsKey = "sessions"
	SettingsKey = "settings"
)

func decodeSessions(raw json.RawMessage) (map[string]Session, error) {
	if len(raw) == 0 {
		return map[string]Session{}, nil
	}
	var res map[string]Session
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode sessions collection: %w", err)
	}
	if res == nil {
		res = map[string]Session{}
	}
	return res, nil
}

func encodeSessions(sessions map[string]Session) (json.RawMessage, error) {
	raw, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sessions collection: %w", err)
	}
	return raw, nil
}

func decodeSettings(raw json.RawMessage) (Settings, error) {
	if len(raw) == 0 {
		return Settings{}, nil
	}
	var res Settings
	if err := json.Unmarshal(raw, &res); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return res, nil
}

func encodeSettings(settings Settings) (json.RawMessage, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return raw, nil
}
