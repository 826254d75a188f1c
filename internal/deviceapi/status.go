package deviceapi

import (
	"encoding/json"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// ── Status ───────────────────────────────────────────────────────────────────

type statusResponse struct {
	TakenAt       string `json:"taken_at"`
	Mode          string `json:"mode"`
	ModeSince     string `json:"mode_since"`
	Connection    string `json:"connection"`
	Auth          string `json:"auth"`
	TokenExpiry   string `json:"token_expiry,omitempty"`
	LastAuthError string `json:"last_auth_error,omitempty"`

	Passengers    uint32 `json:"passengers"`
	TotalEntries  uint32 `json:"total_entries"`
	TotalExits    uint32 `json:"total_exits"`
	DroppedEvents uint32 `json:"dropped_events"`
	WiFi          bool   `json:"wifi"`

	Trip          types.TripConfig          `json:"trip"`
	Price         types.PriceRecommendation `json:"price"`
	PriceCategory string                    `json:"price_category"`

	LastSync      string `json:"last_sync,omitempty"`
	LastSyncError string `json:"last_sync_error,omitempty"`

	Log logResponse `json:"log"`
}

type logResponse struct {
	Backend     string `json:"backend"`
	Durable     bool   `json:"durable"`
	Count       int    `json:"count"`
	Unsynced    int    `json:"unsynced"`
	Capacity    int    `json:"capacity"`
	NextLocalID uint32 `json:"next_local_id"`
	SizeBytes   int64  `json:"size_bytes"`
}

func newStatusResponse(s service.Snapshot) statusResponse {
	st := s.State
	return statusResponse{
		TakenAt:       formatTime(s.TakenAt),
		Mode:          s.Mode.String(),
		ModeSince:     formatTime(s.ModeSince),
		Connection:    s.Connection,
		Auth:          s.Auth.String(),
		TokenExpiry:   formatTime(s.TokenExpiry),
		LastAuthError: s.LastAuthErr,
		Passengers:    st.CurrentPassengers,
		TotalEntries:  st.TotalEntries,
		TotalExits:    st.TotalExits,
		DroppedEvents: st.DroppedEvents,
		WiFi:          st.WiFi,
		Trip:          st.Trip,
		Price:         st.Price,
		PriceCategory: st.PriceCategory,
		LastSync:      formatTime(st.LastSync),
		LastSyncError: st.LastSyncError,
		Log: logResponse{
			Backend:     s.Log.Backend,
			Durable:     s.Log.Durable,
			Count:       s.Log.Count,
			Unsynced:    s.Log.Unsynced,
			Capacity:    s.Log.Capacity,
			NextLocalID: s.Log.NextLocalID,
			SizeBytes:   s.Log.SizeBytes,
		},
	}
}

// toProto renders the status as a google.protobuf.Struct with the same
// field names as the JSON form.
func (r statusResponse) toProto() (*structpb.Struct, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// ── Journal ──────────────────────────────────────────────────────────────────

type journalResponse struct {
	Attempts []attemptResponse `json:"attempts"`
}

type attemptResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	StartedAt   string `json:"started_at"`
	DurationMS  int64  `json:"duration_ms"`
	OK          bool   `json:"ok"`
	Count       int    `json:"event_count,omitempty"`
	LastLocalID uint32 `json:"last_local_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func newAttemptResponse(a store.SyncAttempt) attemptResponse {
	return attemptResponse{
		ID:          a.ID,
		Kind:        string(a.Kind),
		StartedAt:   formatTime(a.StartedAt),
		DurationMS:  a.Duration.Milliseconds(),
		OK:          a.OK,
		Count:       a.Count,
		LastLocalID: a.LastLocalID,
		Error:       a.Error,
	}
}

// ── Sensors ──────────────────────────────────────────────────────────────────

type sensorResponse struct {
	OK   bool   `json:"ok"`
	Kind string `json:"kind"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
