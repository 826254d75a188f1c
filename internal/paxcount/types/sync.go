package types

import "time"

// EventPayload is one element of SyncEventsRequest.Events.
// The server parses Timestamp as RFC3339.
type EventPayload struct {
	LocalID             uint32  `json:"local_id"`
	EventType           string  `json:"event_type"`
	Timestamp           string  `json:"timestamp"`
	Latitude            float64 `json:"latitude"`
	Longitude           float64 `json:"longitude"`
	PassengerCountAfter uint32  `json:"passenger_count_after"`
}

type SyncEventsRequest struct {
	TripID int64          `json:"trip_id"`
	Events []EventPayload `json:"events"`
}

type SyncEventsResponse struct {
	SyncedCount       int    `json:"synced_count"`
	LastSyncedLocalID uint32 `json:"last_synced_local_id"`
	ServerTime        string `json:"server_time"`
}

// NewSyncEventsRequest converts a batch read from the event log into the
// wire shape. Missing GPS coordinates are sent as zero.
func NewSyncEventsRequest(tripID int64, events []PassengerEvent) SyncEventsRequest {
	req := SyncEventsRequest{
		TripID: tripID,
		Events: make([]EventPayload, 0, len(events)),
	}
	for _, ev := range events {
		p := EventPayload{
			LocalID:             ev.LocalID,
			EventType:           ev.Type.String(),
			Timestamp:           ev.Time().Format(time.RFC3339),
			PassengerCountAfter: ev.PassengerCountAfter,
		}
		if ev.HasGPS() {
			p.Latitude = *ev.Latitude
			p.Longitude = *ev.Longitude
		}
		req.Events = append(req.Events, p)
	}
	return req
}
