package models

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the derived liveness of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusUnknown DeviceStatus = "unknown" // Never sent a heartbeat
)

// Device is a remote execution target known through its heartbeats.
type Device struct {
	ID            string         `json:"id"                 validate:"required"`
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Address       string         `json:"address,omitempty"`
	Status        DeviceStatus   `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Heartbeat is the periodic liveness signal sent by a device agent.
type Heartbeat struct {
	DeviceID  string         `json:"device_id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Addresses []string       `json:"addresses,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// Liveness is the single definition of device online status: a device is
// online iff its last heartbeat is strictly younger than window.
func Liveness(now, lastHeartbeat time.Time, window time.Duration) DeviceStatus {
	if lastHeartbeat.IsZero() {
		return DeviceStatusUnknown
	}

	if now.Sub(lastHeartbeat) < window {
		return DeviceStatusOnline
	}

	return DeviceStatusOffline
}

// ResolveDeviceID returns a stable device identifier for a heartbeat. An
// explicit id wins, then the first private IPv4 address, then a generated id.
func ResolveDeviceID(hb Heartbeat) string {
	if hb.DeviceID != "" {
		return hb.DeviceID
	}

	if addr := PrivateAddress(hb.Addresses); addr != "" {
		return addr
	}

	return uuid.NewString()
}

// PrivateAddress picks the first private IPv4 address from addrs.
func PrivateAddress(addrs []string) string {
	for _, raw := range addrs {
		ip := net.ParseIP(raw)
		if ip == nil || ip.To4() == nil {
			continue
		}

		if ip.IsPrivate() {
			return ip.String()
		}
	}

	return ""
}
