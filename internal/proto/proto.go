package proto

import "time"

const (
	// MdnsTag is the mDNS service name peers advertise on the LAN.
	MdnsTag = "vesper-mdns"

	// TopicPrefix is prepended to signaling channel names to form gossip
	// topic names, keeping vesper traffic apart from other libp2p apps.
	TopicPrefix = "vesper/signal/1/"

	// Protocol version reported by /api/self and the relay's /health.
	Version = "1"
)

// Topic returns the gossip topic carrying channel.
func Topic(channel string) string { return TopicPrefix + channel }

func NowMillis() int64 { return time.Now().UnixMilli() }
