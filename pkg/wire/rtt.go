package wire

import (
	"fmt"
	"strconv"
)

// RTT stages, per SPEC_FULL.md §4.G.
const (
	RTTStageProbe     = byte('0')
	RTTStageReply     = byte('1')
	RTTStageBroadcast = byte('2')
)

// RTTPayload implements the 'R' message. SendTime is only meaningful for
// stage 0/1 and, per SPEC_FULL.md §9 Open Question 3, is carried on the wire
// for stage 1 purely for structural symmetry — the measuring peer never
// reads it back, it uses the send-time it recorded locally.
type RTTPayload struct {
	Stage       byte
	SendTime    float64
	NetworkSize int
	RTTSum      float64
}

func NewRTTProbe(sendTime float64) *RTTPayload {
	return &RTTPayload{Stage: RTTStageProbe, SendTime: sendTime}
}

func NewRTTReply(echoedSendTime float64) *RTTPayload {
	return &RTTPayload{Stage: RTTStageReply, SendTime: echoedSendTime}
}

func NewRTTBroadcast(networkSize int, rttSum float64) *RTTPayload {
	return &RTTPayload{Stage: RTTStageBroadcast, NetworkSize: networkSize, RTTSum: rttSum}
}

func (r *RTTPayload) typeCode() byte { return TypeRTT }

func (r *RTTPayload) encode() []byte {
	if r.Stage == RTTStageBroadcast {
		return []byte(fmt.Sprintf("%c%d%s", r.Stage, r.NetworkSize%10, strconv.FormatFloat(r.RTTSum, 'f', -1, 64)))
	}
	return []byte(fmt.Sprintf("%c%s", r.Stage, strconv.FormatFloat(r.SendTime, 'f', -1, 64)))
}

func decodeRTT(body []byte) (Payload, error) {
	if len(body) < 1 {
		return nil, ErrMalformedPayload
	}
	stage := body[0]
	if stage == RTTStageBroadcast {
		if len(body) < 2 {
			return nil, ErrMalformedPayload
		}
		size := int(body[1] - '0')
		sum, err := strconv.ParseFloat(string(body[2:]), 64)
		if err != nil {
			return nil, ErrMalformedPayload
		}
		return &RTTPayload{Stage: stage, NetworkSize: size, RTTSum: sum}, nil
	}
	sendTime, err := strconv.ParseFloat(string(body[1:]), 64)
	if err != nil {
		return nil, ErrMalformedPayload
	}
	return &RTTPayload{Stage: stage, SendTime: sendTime}, nil
}
