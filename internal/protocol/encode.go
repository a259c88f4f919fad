package protocol

import (
	"encoding/binary"
	"time"
)

// The encoders below produce the server side of the wire format. They are
// used to synthesise streams for tests and local replays.

// AppendHandshake appends the stream preamble for info to dst.
func AppendHandshake(dst []byte, info StreamInfo, dummyByte bool) []byte {
	if dummyByte {
		dst = append(dst, 0)
	}
	var name [DeviceNameLength]byte
	copy(name[:DeviceNameLength-1], info.DeviceName)
	dst = append(dst, name[:]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(info.Codec))
	dst = binary.BigEndian.AppendUint32(dst, info.Width)
	dst = binary.BigEndian.AppendUint32(dst, info.Height)
	return dst
}

// AppendPacket appends the header and payload of p to dst.
func AppendPacket(dst []byte, p Packet) []byte {
	var ptsAndFlags uint64
	if p.Config {
		ptsAndFlags |= FlagConfig
	} else {
		ptsAndFlags |= uint64(p.PTS/time.Microsecond) & ptsMask
	}
	if p.KeyFrame {
		ptsAndFlags |= FlagKeyFrame
	}
	dst = binary.BigEndian.AppendUint64(dst, ptsAndFlags)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p.Payload)))
	return append(dst, p.Payload...)
}

// EncodeStream returns a full video socket byte stream.
func EncodeStream(info StreamInfo, dummyByte bool, packets ...Packet) []byte {
	b := AppendHandshake(nil, info, dummyByte)
	for _, p := range packets {
		b = AppendPacket(b, p)
	}
	return b
}

// ConfigPacket builds a config packet.
func ConfigPacket(payload []byte) Packet {
	return Packet{Config: true, Payload: payload}
}

// MediaPacket builds a timestamped media packet.
func MediaPacket(pts time.Duration, key bool, payload []byte) Packet {
	return Packet{PTS: pts, HasPTS: true, KeyFrame: key, Payload: payload}
}
