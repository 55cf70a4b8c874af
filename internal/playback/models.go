package playback

import (
	"time"

	"hls-playback/internal/player"
)

// SessionID uniquely identifies a playback session.
type SessionID string

// SessionRecord is what the repository keeps per session.
type SessionRecord struct {
	ID        SessionID
	URL       string
	Session   *player.Session
	CreatedAt time.Time
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	URL string `json:"url"`
}

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	ID SessionID `json:"id"`
}

// SeekRequest is the body of POST /sessions/{id}/seek.
type SeekRequest struct {
	Time float64 `json:"time"`
}

// ConnectivityRequest is the body of POST /connectivity.
type ConnectivityRequest struct {
	Online bool `json:"online"`
}

// SessionView is the JSON rendering of a session snapshot.
type SessionView struct {
	ID                  SessionID `json:"id"`
	URL                 string    `json:"url"`
	State               string    `json:"state"`
	CurrentTime         float64   `json:"current_time"`
	Duration            float64   `json:"duration"`
	IsLoading           bool      `json:"is_loading"`
	BufferHealthPercent float64   `json:"buffer_health_percent"`
	BufferedAhead       float64   `json:"buffered_ahead"`
	BufferedBehind      float64   `json:"buffered_behind"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	Handle              string    `json:"manifest_handle,omitempty"`
	Segments            int       `json:"segments"`
	NetworkRetries      int       `json:"network_retries"`
	MediaRecoveries     int       `json:"media_recoveries"`
}

func newSessionView(s player.Snapshot) SessionView {
	return SessionView{
		ID:                  SessionID(s.ID),
		URL:                 s.URL,
		State:               s.State.String(),
		CurrentTime:         s.CurrentTime,
		Duration:            s.Duration,
		IsLoading:           s.IsLoading,
		BufferHealthPercent: s.BufferHealthPercent,
		BufferedAhead:       s.BufferedAhead,
		BufferedBehind:      s.BufferedBehind,
		LastError:           s.LastError,
		LastErrorKind:       s.LastErrorKind,
		Handle:              s.Handle,
		Segments:            s.Segments,
		NetworkRetries:      s.Counters.NetworkRetries,
		MediaRecoveries:     s.Counters.MediaRecoveryAttempt,
	}
}
