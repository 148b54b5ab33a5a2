package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const firstDynamicPayloadType = 100

// DefaultCodecs is the router codec list used when none is configured.
func DefaultCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
		{Kind: domain.MediaKindVideo, MimeType: "video/VP9", ClockRate: 90000,
			Parameters: map[string]any{"profile-id": 0}},
		{Kind: domain.MediaKindVideo, MimeType: "video/VP9", ClockRate: 90000,
			Parameters: map[string]any{"profile-id": 2}},
		{Kind: domain.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000,
			Parameters: map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f", "level-asymmetry-allowed": 1}},
		{Kind: domain.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000,
			Parameters: map[string]any{"packetization-mode": 1, "profile-level-id": "4d0032", "level-asymmetry-allowed": 1}},
		{Kind: domain.MediaKindVideo, MimeType: "video/H264", ClockRate: 90000,
			Parameters: map[string]any{"packetization-mode": 1, "profile-level-id": "640032", "level-asymmetry-allowed": 1}},
	}
}

func defaultFeedback(kind domain.MediaKind) []RtcpFeedback {
	if kind == domain.MediaKindAudio {
		return []RtcpFeedback{{Type: "transport-cc"}}
	}
	return []RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

// NewRtpCapabilities validates the configured codecs and assigns payload types.
func NewRtpCapabilities(codecs []RtpCodecCapability) (RtpCapabilities, error) {
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	used := make(map[uint8]bool, len(codecs))
	for _, c := range codecs {
		if c.PreferredPayloadType != 0 {
			used[c.PreferredPayloadType] = true
		}
	}
	next := uint8(firstDynamicPayloadType)
	out := RtpCapabilities{Codecs: make([]RtpCodecCapability, 0, len(codecs))}
	for _, c := range codecs {
		kind, err := domain.ParseMediaKind(string(c.Kind))
		if err != nil {
			return RtpCapabilities{}, fmt.Errorf("codec %q: %w", c.MimeType, err)
		}
		prefix, _, ok := strings.Cut(c.MimeType, "/")
		if !ok || !strings.EqualFold(prefix, string(kind)) {
			return RtpCapabilities{}, fmt.Errorf("codec %q: mime type does not match kind %s", c.MimeType, kind)
		}
		if c.ClockRate == 0 {
			return RtpCapabilities{}, fmt.Errorf("codec %q: missing clock rate", c.MimeType)
		}
		if kind == domain.MediaKindAudio && c.Channels == 0 {
			c.Channels = 1
		}
		if c.PreferredPayloadType == 0 {
			for used[next] {
				next++
			}
			if next > 127 {
				return RtpCapabilities{}, fmt.Errorf("codec %q: no dynamic payload type left", c.MimeType)
			}
			c.PreferredPayloadType = next
			used[next] = true
		}
		if len(c.RtcpFeedback) == 0 {
			c.RtcpFeedback = defaultFeedback(kind)
		}
		c.Kind = kind
		out.Codecs = append(out.Codecs, c)
	}
	return out, nil
}

func isFeatureCodec(mime string) bool {
	_, sub, _ := strings.Cut(strings.ToLower(mime), "/")
	return sub == "rtx" || sub == "red" || sub == "ulpfec"
}

// MediaCodec returns the first media codec of a producer's parameters.
func MediaCodec(params RtpParameters) (RtpCodecParameters, bool) {
	for _, c := range params.Codecs {
		if !isFeatureCodec(c.MimeType) {
			return c, true
		}
	}
	return RtpCodecParameters{}, false
}

// Param stringifies a codec parameter, falling back to def.
func Param(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	return strings.ToLower(fmt.Sprint(v))
}

// FmtpLine renders parameters as an SDP fmtp line with sorted keys.
func FmtpLine(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmt.Sprint(params[k]))
	}
	return strings.Join(parts, ";")
}

func h264Profile(params map[string]any) string {
	plid := Param(params, "profile-level-id", "42e01f")
	if len(plid) < 4 {
		return plid
	}
	return plid[:4]
}

// CodecMatches reports whether a producer codec can be delivered as want.
func CodecMatches(codec RtpCodecParameters, want RtpCodecCapability) bool {
	if !strings.EqualFold(codec.MimeType, want.MimeType) || codec.ClockRate != want.ClockRate {
		return false
	}
	switch strings.ToLower(codec.MimeType) {
	case "audio/opus", "audio/multiopus":
		return max(codec.Channels, 1) == max(want.Channels, 1)
	case "video/h264":
		return Param(codec.Parameters, "packetization-mode", "0") == Param(want.Parameters, "packetization-mode", "0") &&
			h264Profile(codec.Parameters) == h264Profile(want.Parameters)
	case "video/vp9":
		return Param(codec.Parameters, "profile-id", "0") == Param(want.Parameters, "profile-id", "0")
	}
	if strings.HasPrefix(strings.ToLower(codec.MimeType), "audio/") {
		return max(codec.Channels, 1) == max(want.Channels, 1)
	}
	return true
}

func matchCapability(params RtpParameters, caps RtpCapabilities) (RtpCodecParameters, RtpCodecCapability, bool) {
	codec, ok := MediaCodec(params)
	if !ok {
		return RtpCodecParameters{}, RtpCodecCapability{}, false
	}
	for _, c := range caps.Codecs {
		if CodecMatches(codec, c) {
			return codec, c, true
		}
	}
	return codec, RtpCodecCapability{}, false
}

// CanConsume reports whether caps contain a codec for the producer's media codec.
func CanConsume(producer RtpParameters, caps RtpCapabilities) bool {
	_, _, ok := matchCapability(producer, caps)
	return ok
}

// ConsumerRtpParameters derives what a subscriber with caps will receive.
// The SSRC is left for the engine to assign.
func ConsumerRtpParameters(producer RtpParameters, caps RtpCapabilities) (RtpParameters, error) {
	codec, want, ok := matchCapability(producer, caps)
	if !ok {
		return RtpParameters{}, fmt.Errorf("no codec for %q: %w", codec.MimeType, core.ErrIncompatibleCapabilities)
	}
	return RtpParameters{
		Codecs: []RtpCodecParameters{{
			MimeType:     want.MimeType,
			PayloadType:  want.PreferredPayloadType,
			ClockRate:    want.ClockRate,
			Channels:     want.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: want.RtcpFeedback,
		}},
		Encodings: []RtpEncodingParameters{{}},
		Rtcp:      &RtcpParameters{ReducedSize: true},
	}, nil
}

// KindOf returns the media kind of a mime type like "video/VP8".
func KindOf(mime string) (domain.MediaKind, error) {
	prefix, _, _ := strings.Cut(mime, "/")
	kind, err := domain.ParseMediaKind(strings.ToLower(prefix))
	if err != nil {
		return "", fmt.Errorf("%w: mime type %q", core.ErrBadRequest, mime)
	}
	return kind, nil
}
