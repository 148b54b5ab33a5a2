package rtc

import (
	"fmt"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/engine"
	"github.com/pion/webrtc/v4"
)

func codecCapability(mime string, clockRate uint32, channels uint16, params map[string]any, fb []engine.RtcpFeedback) webrtc.RTPCodecCapability {
	feedback := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     mime,
		ClockRate:    clockRate,
		Channels:     channels,
		SDPFmtpLine:  engine.FmtpLine(params),
		RTCPFeedback: feedback,
	}
}

func iceParameters(p webrtc.ICEParameters) engine.IceParameters {
	return engine.IceParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, IceLite: p.ICELite}
}

func iceCandidates(cands []webrtc.ICECandidate) []engine.IceCandidate {
	out := make([]engine.IceCandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, engine.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func remoteCandidates(cands []engine.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(cands))
	for _, c := range cands {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate protocol: %w", core.ErrBadRequest, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: candidate type: %w", core.ErrBadRequest, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsParameters(p webrtc.DTLSParameters) engine.DtlsParameters {
	out := engine.DtlsParameters{Role: "auto", Fingerprints: make([]engine.DtlsFingerprint, 0, len(p.Fingerprints))}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, engine.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func remoteDTLS(p engine.DtlsParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("%w: dtls parameters without fingerprints", core.ErrBadRequest)
	}
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}
