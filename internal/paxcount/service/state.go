package service

import (
	"net"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// Trip defaults used until a config has been fetched or cached.
const (
	DefaultTripID      = 1
	DefaultBusCapacity = 50
	DefaultBasePrice   = 200.0
)

func DefaultTripConfig() types.TripConfig {
	return types.TripConfig{TripID: DefaultTripID, BusCapacity: DefaultBusCapacity, BasePrice: DefaultBasePrice}
}

// DeviceState is the mutable context owned by the control loop. It is
// rebuilt on reset and read by others only through Snapshot.
type DeviceState struct {
	CurrentPassengers uint32
	TotalEntries      uint32
	TotalExits        uint32
	DroppedEvents     uint32 // detections the event log refused

	WiFi bool
	Trip types.TripConfig

	Price         types.PriceRecommendation
	PriceCategory string

	LastSync      time.Time
	LastSyncError string
}

// Snapshot is a point-in-time copy of everything the operator surfaces show.
type Snapshot struct {
	TakenAt     time.Time
	State       DeviceState
	Mode        Mode
	ModeSince   time.Time
	Auth        AuthState
	TokenExpiry time.Time
	Connection  string
	LastAuthErr string
	Log         store.LogStats
}

// LinkMonitor reports whether the network link is up.
type LinkMonitor interface {
	Up() bool
}

// LinkFunc adapts a function to LinkMonitor.
type LinkFunc func() bool

func (f LinkFunc) Up() bool { return f() }

// AlwaysUp is used on hosts without a dedicated wireless interface.
var AlwaysUp LinkMonitor = LinkFunc(func() bool { return true })

// InterfaceLink reports a named network interface as up when it is
// administratively up and holds at least one address.
type InterfaceLink struct {
	Name string
}

func (l InterfaceLink) Up() bool {
	ifi, err := net.InterfaceByName(l.Name)
	if err != nil || ifi.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := ifi.Addrs()
	return err == nil && len(addrs) > 0
}

// Locator supplies an optional GPS fix for new events.
type Locator interface {
	Fix() (lat, lon float64, ok bool)
}
