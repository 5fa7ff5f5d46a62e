package models

import (
	"fmt"
	"strconv"
	"strings"
)

type DeviceType string

const (
	DeviceTypeCbrs         DeviceType = "cbrs"
	DeviceTypeWifiIndoor   DeviceType = "wifi_indoor"
	DeviceTypeWifiOutdoor  DeviceType = "wifi_outdoor"
	DeviceTypeWifiDataOnly DeviceType = "wifi_data_only"
)

func ParseDeviceType(s string) (DeviceType, error) {
	switch dt := DeviceType(strings.ToLower(strings.TrimSpace(s))); dt {
	case DeviceTypeCbrs, DeviceTypeWifiIndoor, DeviceTypeWifiOutdoor, DeviceTypeWifiDataOnly:
		return dt, nil
	default:
		return "", fmt.Errorf("unknown device type %q", s)
	}
}

// GatewayMetadata is present only for gateways with an asserted location.
type GatewayMetadata struct {
	// Location is an H3 cell index in lower-case hex.
	Location string `json:"location" cbor:"location"`
}

// ParseLocation validates an H3 cell hex string.
func ParseLocation(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty location")
	}
	cell, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse location %q: %w", s, err)
	}
	// H3 index mode lives in bits 59..62; mode 1 is a cell.
	if (cell>>59)&0xf != 1 {
		return 0, fmt.Errorf("location %q is not an h3 cell", s)
	}
	return cell, nil
}

type GatewayInfo struct {
	Address    []byte           `json:"address" cbor:"address"`
	DeviceType DeviceType       `json:"device_type" cbor:"device_type"`
	Metadata   *GatewayMetadata `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}
