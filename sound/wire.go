// Package sound implements the virtio-sound control state machine, the
// stream lifecycle, and the producer/consumer threads that bridge the
// guest TX virtqueue to a host audiosink.Sink.
//
// The wire-format structs and request/status code tables in this file
// mirror the virtio-sound wire protocol's enum and struct layout, kept as
// a sequential iota exactly as the protocol declares its status enum.
package sound

import "encoding/binary"

// Request codes.
const (
	RJackInfo = 1

	RPCMInfo      = 0x0100
	RPCMSetParams = 0x0101
	RPCMPrepare   = 0x0102
	RPCMRelease   = 0x0103
	RPCMStart     = 0x0104
	RPCMStop      = 0x0105

	RChmapInfo = 0x0200
)

// Status codes, sequential from VIRTIO_SND_S_OK.
const (
	SOK = 0x8000 + iota
	SBadMsg
	SNotSupp
	SIOErr
)

// Direction values.
const (
	DirOutput = 0
	DirInput  = 1
)

// ChmapMono is the one channel position this device advertises.
const ChmapMono = 2

const chmapMaxSize = 18

// RateTable maps a rate index to its value in Hz.
var RateTable = [...]uint32{
	5512, 8000, 11025, 16000, 22050, 32000, 44100, 48000,
	64000, 88200, 96000, 176400, 192000, 384000,
}

// RateIndex44100 is the only rate this device advertises.
const RateIndex44100 = 6

// FormatS16 is the only format this device advertises.
const FormatS16 = 5

// commonHeader is the 4-byte request code shared by every CTRL request.
type commonHeader struct {
	Code uint32
}

func decodeCommonHeader(b []byte) commonHeader {
	return commonHeader{Code: binary.LittleEndian.Uint32(b[0:4])}
}

// queryInfoRequest is JACK_INFO/PCM_INFO/CHMAP_INFO's request body.
type queryInfoRequest struct {
	StartID uint32
	Count   uint32
	Size    uint32
}

func decodeQueryInfoRequest(b []byte) queryInfoRequest {
	return queryInfoRequest{
		StartID: binary.LittleEndian.Uint32(b[4:8]),
		Count:   binary.LittleEndian.Uint32(b[8:12]),
		Size:    binary.LittleEndian.Uint32(b[12:16]),
	}
}

// responseHeader is the 4-byte status code written at the start of every
// CTRL response.
type responseHeader struct {
	Code uint32
}

func encodeResponseHeader(code uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], code)
	return buf[:]
}

// jackInfoElem is the 24-byte jack descriptor.
type jackInfoElem struct {
	FunctionNodeID uint32
	Features       uint32
	DefConfig      uint32
	Caps           uint32
	Connected      uint8
	// 7 bytes padding
}

const jackInfoElemSize = 24

func (j jackInfoElem) encode() []byte {
	buf := make([]byte, jackInfoElemSize)
	binary.LittleEndian.PutUint32(buf[0:4], j.FunctionNodeID)
	binary.LittleEndian.PutUint32(buf[4:8], j.Features)
	binary.LittleEndian.PutUint32(buf[8:12], j.DefConfig)
	binary.LittleEndian.PutUint32(buf[12:16], j.Caps)
	buf[16] = j.Connected
	return buf
}

// pcmInfoElem is the 32-byte PCM stream descriptor.
type pcmInfoElem struct {
	FunctionNodeID uint32
	Features       uint32
	Formats        uint64
	Rates          uint64
	Direction      uint8
	ChannelsMin    uint8
	ChannelsMax    uint8
	// 5 bytes padding
}

const pcmInfoElemSize = 32

func (p pcmInfoElem) encode() []byte {
	buf := make([]byte, pcmInfoElemSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.FunctionNodeID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Features)
	binary.LittleEndian.PutUint64(buf[8:16], p.Formats)
	binary.LittleEndian.PutUint64(buf[16:24], p.Rates)
	buf[24] = p.Direction
	buf[25] = p.ChannelsMin
	buf[26] = p.ChannelsMax
	return buf
}

// chmapInfoElem is the 24-byte channel map descriptor.
type chmapInfoElem struct {
	FunctionNodeID uint32
	Direction      uint8
	Channels       uint8
	Positions      [chmapMaxSize]uint8
}

const chmapInfoElemSize = 4 + 1 + 1 + chmapMaxSize

func (c chmapInfoElem) encode() []byte {
	buf := make([]byte, chmapInfoElemSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.FunctionNodeID)
	buf[4] = c.Direction
	buf[5] = c.Channels
	copy(buf[6:], c.Positions[:])
	return buf
}

// pcmSetParamsRequest is PCM_SET_PARAMS's request body.
type pcmSetParamsRequest struct {
	StreamID    uint32
	BufferBytes uint32
	PeriodBytes uint32
	Features    uint32
	Channels    uint8
	Format      uint8
	Rate        uint8
}

func decodePCMSetParamsRequest(b []byte) pcmSetParamsRequest {
	return pcmSetParamsRequest{
		StreamID:    binary.LittleEndian.Uint32(b[4:8]),
		BufferBytes: binary.LittleEndian.Uint32(b[8:12]),
		PeriodBytes: binary.LittleEndian.Uint32(b[12:16]),
		Features:    binary.LittleEndian.Uint32(b[16:20]),
		Channels:    b[20],
		Format:      b[21],
		Rate:        b[22],
	}
}

// pcmStreamIDRequest is PCM_PREPARE/START/STOP/RELEASE's request body: just
// a stream_id following the common header.
type pcmStreamIDRequest struct {
	StreamID uint32
}

func decodePCMStreamIDRequest(b []byte) pcmStreamIDRequest {
	return pcmStreamIDRequest{StreamID: binary.LittleEndian.Uint32(b[4:8])}
}

// pcmXferHeader is the TX chain's first descriptor.
type pcmXferHeader struct {
	StreamID uint32
}

func decodePCMXferHeader(b []byte) pcmXferHeader {
	return pcmXferHeader{StreamID: binary.LittleEndian.Uint32(b[0:4])}
}

// pcmStatus is the TX chain's last descriptor.
type pcmStatus struct {
	Status       uint32
	LatencyBytes uint32
}

func (s pcmStatus) encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], s.Status)
	binary.LittleEndian.PutUint32(buf[4:8], s.LatencyBytes)
	return buf
}

// DeviceConfig is the guest-visible config window: counts of jacks,
// streams, channel maps, and controls. Immutable after initialization.
type DeviceConfig struct {
	Jacks    uint32
	Streams  uint32
	Chmaps   uint32
	Controls uint32
}

func (c DeviceConfig) encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], c.Jacks)
	binary.LittleEndian.PutUint32(buf[4:8], c.Streams)
	binary.LittleEndian.PutUint32(buf[8:12], c.Chmaps)
	binary.LittleEndian.PutUint32(buf[12:16], c.Controls)
	return buf
}
