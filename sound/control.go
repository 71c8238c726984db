package sound

import (
	"fmt"

	"github.com/gokvm-virtio/virtiosnd/virtqueue"
)

// controlResult is what a request handler produces: the status code placed
// in the response header, the bytes written to the optional response
// payload descriptor, and plen — the byte count reported back to the
// caller (count*sizeof(descriptor) for info queries, 0 for lifecycle
// requests).
type controlResult struct {
	status  uint32
	payload []byte
	plen    uint32
}

// handleCtrlChain implements the CTRL chain shape: request header,
// response header, optional response payload. It is passed to
// virtqueue.Drain as the HandlerFunc for queue 0.
func (d *Device) handleCtrlChain(chain virtqueue.Chain) (uint32, error) {
	if len(chain.Descs) < virtqueue.CtrlChainMinDescs {
		return 0, fmt.Errorf("sound: ctrl chain has %d descriptors, need at least %d",
			len(chain.Descs), virtqueue.CtrlChainMinDescs)
	}
	reqDesc := chain.Descs[0]
	respDesc := chain.Descs[1]

	reqBuf := make([]byte, reqDesc.Len)
	if err := d.ram.ReadAt(reqBuf, reqDesc.Addr); err != nil {
		return 0, fmt.Errorf("sound: read ctrl request: %w", err)
	}
	if len(reqBuf) < 4 {
		return 0, fmt.Errorf("sound: ctrl request too short (%d bytes)", len(reqBuf))
	}

	var payloadDesc *virtqueue.Descriptor
	if len(chain.Descs) >= virtqueue.CtrlChainWithPayloadDescs {
		payloadDesc = &chain.Descs[virtqueue.CtrlChainWithPayloadDescs-1]
	}

	hdr := decodeCommonHeader(reqBuf)
	result := d.dispatchControl(hdr.Code, reqBuf)

	if err := d.ram.WriteAt(encodeResponseHeader(result.status), respDesc.Addr); err != nil {
		return 0, fmt.Errorf("sound: write ctrl response header: %w", err)
	}
	if result.payload != nil {
		if payloadDesc == nil {
			return 0, fmt.Errorf("sound: control response has payload but chain has no payload descriptor")
		}
		if err := d.ram.WriteAt(result.payload, payloadDesc.Addr); err != nil {
			return 0, fmt.Errorf("sound: write ctrl response payload: %w", err)
		}
	}

	return 4 + result.plen, nil
}

func (d *Device) dispatchControl(code uint32, reqBuf []byte) controlResult {
	switch code {
	case RJackInfo:
		return d.handleJackInfo(reqBuf)
	case RPCMInfo:
		return d.handlePCMInfo(reqBuf)
	case RChmapInfo:
		return d.handleChmapInfo(reqBuf)
	case RPCMSetParams:
		return d.handlePCMSetParams(reqBuf)
	case RPCMPrepare:
		return d.handlePCMPrepare(reqBuf)
	case RPCMStart:
		return d.handlePCMStart(reqBuf)
	case RPCMStop:
		return d.handlePCMStop(reqBuf)
	case RPCMRelease:
		return d.handlePCMRelease(reqBuf)
	default:
		d.log.Warn("unsupported control request", "code", code)
		return controlResult{status: SNotSupp}
	}
}

// The device exposes exactly one jack, permanently connected, with zero
// features and zero HDA registers.
func (d *Device) handleJackInfo(reqBuf []byte) controlResult {
	req := decodeQueryInfoRequest(reqBuf)
	payload := make([]byte, 0, int(req.Count)*jackInfoElemSize)
	for i := uint32(0); i < req.Count; i++ {
		payload = append(payload, jackInfoElem{Connected: 1}.encode()...)
	}
	return controlResult{status: SOK, payload: payload, plen: req.Count * jackInfoElemSize}
}

// The device advertises exactly one output stream: format S16, rate 44100,
// 1 channel.
func (d *Device) handlePCMInfo(reqBuf []byte) controlResult {
	req := decodeQueryInfoRequest(reqBuf)
	elem := pcmInfoElem{
		Formats:     1 << FormatS16,
		Rates:       1 << RateIndex44100,
		Direction:   DirOutput,
		ChannelsMin: 1,
		ChannelsMax: 1,
	}
	payload := make([]byte, 0, int(req.Count)*pcmInfoElemSize)
	for i := uint32(0); i < req.Count; i++ {
		payload = append(payload, elem.encode()...)
	}
	return controlResult{status: SOK, payload: payload, plen: req.Count * pcmInfoElemSize}
}

// The one advertised channel map has a single position: MONO.
func (d *Device) handleChmapInfo(reqBuf []byte) controlResult {
	req := decodeQueryInfoRequest(reqBuf)
	elem := chmapInfoElem{Direction: DirOutput, Channels: 1}
	elem.Positions[0] = ChmapMono
	payload := make([]byte, 0, int(req.Count)*chmapInfoElemSize)
	for i := uint32(0); i < req.Count; i++ {
		payload = append(payload, elem.encode()...)
	}
	return controlResult{status: SOK, payload: payload, plen: req.Count * chmapInfoElemSize}
}

func (d *Device) handlePCMSetParams(reqBuf []byte) controlResult {
	req := decodePCMSetParamsRequest(reqBuf)

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	if !validFrom[RPCMSetParams][d.stream.state] {
		d.log.Warn("invalid transition", "request", "set_params", "state", d.stream.state)
		return controlResult{status: SBadMsg}
	}
	if !isPowerOfTwo(req.BufferBytes) {
		d.log.Warn("buffer_bytes not a power of two", "value", req.BufferBytes)
		return controlResult{status: SBadMsg}
	}

	d.stream.params = StreamParams{
		BufferBytes: req.BufferBytes,
		PeriodBytes: req.PeriodBytes,
		Features:    req.Features,
		Channels:    req.Channels,
		Format:      req.Format,
		Rate:        req.Rate,
	}
	d.stream.state = StateParamsSet
	return controlResult{status: SOK}
}

// checkStreamID decodes the stream_id every lifecycle request carries and
// logs if it names anything other than the device's one stream. The device
// only ever has stream 0, so this is never fatal, but the per-stream state
// this keeps (StreamState, StreamParams, the ring) is shaped to generalize
// to more streams later, and that only means something if callers are
// already being told what the driver actually asked for.
func (d *Device) checkStreamID(reqBuf []byte) {
	if len(reqBuf) < 8 {
		return
	}
	if req := decodePCMStreamIDRequest(reqBuf); req.StreamID != 0 {
		d.log.Warn("request for unknown stream", "stream_id", req.StreamID)
	}
}

func (d *Device) handlePCMPrepare(reqBuf []byte) controlResult {
	d.checkStreamID(reqBuf)

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	if !validFrom[RPCMPrepare][d.stream.state] {
		d.log.Warn("invalid transition", "request", "prepare", "state", d.stream.state)
		return controlResult{status: SBadMsg}
	}

	params := d.stream.params
	r, err := newRing(params.BufferBytes, d.log)
	if err != nil {
		d.log.Error("prepare: ring allocation failed", "err", err)
		return controlResult{status: SBadMsg}
	}

	if int(params.Rate) >= len(RateTable) {
		d.log.Error("prepare: rate index out of range", "rate", params.Rate)
		return controlResult{status: SBadMsg}
	}
	rateHz := int(RateTable[params.Rate])
	channels := int(params.Channels)
	if channels == 0 {
		channels = 1
	}
	framesPerPeriod := int(params.PeriodBytes) / (channels * 2)
	if framesPerPeriod == 0 {
		framesPerPeriod = 1
	}

	sink := d.newSink()
	if err := sink.Open("virtiosnd", rateHz, channels, framesPerPeriod, d.pullCallback); err != nil {
		d.log.Error("prepare: sink open failed", "err", err)
		return controlResult{status: SBadMsg}
	}

	d.stream.ring = r
	d.stream.sink = sink
	d.stream.framesPerPeriod = framesPerPeriod
	d.stream.channels = channels
	d.stream.state = StatePrepared
	return controlResult{status: SOK}
}

func (d *Device) handlePCMStart(reqBuf []byte) controlResult {
	d.checkStreamID(reqBuf)

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	if !validFrom[RPCMStart][d.stream.state] {
		d.log.Warn("invalid transition", "request", "start", "state", d.stream.state)
		return controlResult{status: SBadMsg}
	}
	d.stream.state = StateStarted
	d.stream.playing = true
	d.ctrlCond.Broadcast()
	return controlResult{status: SOK}
}

func (d *Device) handlePCMStop(reqBuf []byte) controlResult {
	d.checkStreamID(reqBuf)

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()

	if !validFrom[RPCMStop][d.stream.state] {
		d.log.Warn("invalid transition", "request", "stop", "state", d.stream.state)
		return controlResult{status: SBadMsg}
	}
	d.stream.state = StateStopped
	d.stream.playing = false
	d.ctrlCond.Broadcast()
	return controlResult{status: SOK}
}

func (d *Device) handlePCMRelease(reqBuf []byte) controlResult {
	d.checkStreamID(reqBuf)

	d.ctrlMu.Lock()
	if !validFrom[RPCMRelease][d.stream.state] {
		d.log.Warn("invalid transition", "request", "release", "state", d.stream.state)
		d.ctrlMu.Unlock()
		return controlResult{status: SBadMsg}
	}
	sink := d.stream.sink
	d.stream.sink = nil

	// Wake the callback out of its wait loop before closing the sink: RELEASE
	// is only valid from PREPARED or STOPPED, and in both the callback is
	// parked on !playing with nothing left to ever broadcast it awake, so
	// Sink.Close's join of the callback thread would otherwise hang forever.
	d.stream.closing = true
	d.ctrlCond.Broadcast()
	d.ctrlMu.Unlock()

	// Close the sink without holding ctrlMu: Close joins the callback
	// thread, and the callback itself needs ctrlMu to check playing/closing,
	// so holding the lock here would deadlock against it. The sink must be
	// closed before the ring is freed below, not while blocking every
	// other control-path user.
	if sink != nil {
		if err := sink.Close(); err != nil {
			d.log.Warn("release: sink close failed", "err", err)
		}
	}

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()
	d.stream.ring = nil
	d.stream.playing = false
	d.stream.closing = false
	d.stream.state = StateReleased
	return controlResult{status: SOK}
}
