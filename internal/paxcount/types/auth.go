package types

import "time"

// AuthToken is the bearer credential issued by POST /auth/device.
type AuthToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds
	DeviceID    int64  `json:"device_id"`
	Valid       bool   `json:"-"`
}

func (t AuthToken) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0).UTC()
}

type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number"`
	Token        string `json:"token"`
}

type DeviceAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
	DeviceID    int64  `json:"device_id"`
}
