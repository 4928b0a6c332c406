package session

import "net"

// SessionContext is the fingerprint of a launched session: the application
// selected, the client that launched it, the AES key that secures the
// control channel, the RTSP session identifier, and the client address RTSP
// traffic is subsequently locked to.
type SessionContext struct {
	AppID           string
	ClientID        string
	Key             []byte
	RTSPSessionID   string
	PermittedClient net.IP
}

// VideoStreamContext is populated by RTSP ANNOUNCE.
type VideoStreamContext struct {
	Width              int
	Height             int
	FPS                int
	PacketSize         int // payload bytes per RTP frame, typically 1024 or 1392
	BitrateBPS         int
	MinimumFECPackets  int
	QoS                bool
	VideoFormat        int // 0 = H.264, else HEVC
}

// AudioStreamContext is populated by RTSP ANNOUNCE.
type AudioStreamContext struct {
	PacketDurationMS int
	QoS              bool
}
