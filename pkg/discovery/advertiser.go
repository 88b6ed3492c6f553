package discovery

import (
	"context"
	"time"
)

// Advertiser announces the local web bridge so dashboards can find it.
type Advertiser interface {
	Advertise(ctx context.Context, info *BridgeInfo) error
	StopAll()
}

// BridgeInfo describes the announced bridge.
type BridgeInfo struct {
	Instance string
	Port     int
	Version  string
	// Robot is the NT4 address the bridge is configured for, if any.
	Robot string
}

// TXT returns the TXT records for info.
func (info *BridgeInfo) TXT() TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion: info.Version,
		TXTKeyPath:    "/api/v1",
	}
	if info.Robot != "" {
		txt[TXTKeyRobot] = info.Robot
	}
	return txt
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface restricts announcements to one network interface.
	Interface string

	// TTL overrides the record TTL.
	TTL time.Duration
}
