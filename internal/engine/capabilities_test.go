package engine

import (
	"errors"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

func mustCaps(t *testing.T) RtpCapabilities {
	t.Helper()
	caps, err := NewRtpCapabilities(nil)
	if err != nil {
		t.Fatalf("NewRtpCapabilities: %v", err)
	}
	return caps
}

func TestNewRtpCapabilitiesAssignsPayloadTypes(t *testing.T) {
	caps := mustCaps(t)
	if len(caps.Codecs) != len(DefaultCodecs()) {
		t.Fatalf("want %d codecs, got %d", len(DefaultCodecs()), len(caps.Codecs))
	}
	seen := map[uint8]bool{}
	for _, c := range caps.Codecs {
		if c.PreferredPayloadType < firstDynamicPayloadType {
			t.Fatalf("%s: payload type %d below dynamic range", c.MimeType, c.PreferredPayloadType)
		}
		if seen[c.PreferredPayloadType] {
			t.Fatalf("%s: duplicate payload type %d", c.MimeType, c.PreferredPayloadType)
		}
		seen[c.PreferredPayloadType] = true
		if len(c.RtcpFeedback) == 0 {
			t.Fatalf("%s: missing rtcp feedback", c.MimeType)
		}
	}
}

func TestNewRtpCapabilitiesRejectsBadCodecs(t *testing.T) {
	tests := []struct {
		name  string
		codec RtpCodecCapability
	}{
		{"unknown kind", RtpCodecCapability{Kind: "data", MimeType: "data/x", ClockRate: 1}},
		{"kind mismatch", RtpCodecCapability{Kind: domain.MediaKindAudio, MimeType: "video/VP8", ClockRate: 90000}},
		{"no clock rate", RtpCodecCapability{Kind: domain.MediaKindVideo, MimeType: "video/VP8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRtpCapabilities([]RtpCodecCapability{tt.codec}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCodecMatches(t *testing.T) {
	h264 := func(mode any, plid string) RtpCodecParameters {
		return RtpCodecParameters{MimeType: "video/H264", ClockRate: 90000,
			Parameters: map[string]any{"packetization-mode": mode, "profile-level-id": plid}}
	}
	capH264 := RtpCodecCapability{Kind: domain.MediaKindVideo, MimeType: "video/h264", ClockRate: 90000,
		Parameters: map[string]any{"packetization-mode": 1, "profile-level-id": "42e01f"}}

	tests := []struct {
		name  string
		codec RtpCodecParameters
		want  RtpCodecCapability
		match bool
	}{
		{"mime is case insensitive",
			RtpCodecParameters{MimeType: "video/vp8", ClockRate: 90000},
			RtpCodecCapability{MimeType: "video/VP8", ClockRate: 90000}, true},
		{"clock rate differs",
			RtpCodecParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			RtpCodecCapability{MimeType: "audio/opus", ClockRate: 16000, Channels: 2}, false},
		{"opus channels differ",
			RtpCodecParameters{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			RtpCodecCapability{MimeType: "audio/opus", ClockRate: 48000, Channels: 1}, false},
		{"h264 same profile other level", h264(float64(1), "42e034"), capH264, true},
		{"h264 packetization mode differs", h264(0, "42e01f"), capH264, false},
		{"h264 profile differs", h264(1, "640032"), capH264, false},
		{"vp9 profile differs",
			RtpCodecParameters{MimeType: "video/VP9", ClockRate: 90000, Parameters: map[string]any{"profile-id": 2}},
			RtpCodecCapability{MimeType: "video/VP9", ClockRate: 90000}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodecMatches(tt.codec, tt.want); got != tt.match {
				t.Fatalf("CodecMatches = %v, want %v", got, tt.match)
			}
		})
	}
}

func TestConsumerRtpParameters(t *testing.T) {
	caps := mustCaps(t)
	producer := RtpParameters{
		Codecs: []RtpCodecParameters{
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000},
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
		},
		Encodings: []RtpEncodingParameters{{Ssrc: 1234}},
	}
	if !CanConsume(producer, caps) {
		t.Fatal("VP8 producer should be consumable with default caps")
	}
	params, err := ConsumerRtpParameters(producer, caps)
	if err != nil {
		t.Fatalf("ConsumerRtpParameters: %v", err)
	}
	if len(params.Codecs) != 1 || params.Codecs[0].MimeType != "video/VP8" {
		t.Fatalf("unexpected codecs %+v", params.Codecs)
	}
	if params.Codecs[0].PayloadType < firstDynamicPayloadType {
		t.Fatalf("payload type should come from router caps, got %d", params.Codecs[0].PayloadType)
	}

	audioOnly := RtpCapabilities{Codecs: caps.Codecs[:1]}
	if CanConsume(producer, audioOnly) {
		t.Fatal("audio-only caps must not consume video")
	}
	if _, err := ConsumerRtpParameters(producer, audioOnly); !errors.Is(err, core.ErrIncompatibleCapabilities) {
		t.Fatalf("want ErrIncompatibleCapabilities, got %v", err)
	}
}

func TestFmtpLineSortsKeys(t *testing.T) {
	got := FmtpLine(map[string]any{"profile-level-id": "42e01f", "packetization-mode": 1})
	if got != "packetization-mode=1;profile-level-id=42e01f" {
		t.Fatalf("unexpected fmtp line %q", got)
	}
}

func TestEventQueueKeepsOrder(t *testing.T) {
	q := NewEventQueue()
	defer q.Close()
	for i := range 100 {
		q.Push(Event{Type: EventConsumerClosed, ID: string(rune('a' + i%26))})
	}
	for i := range 100 {
		ev := <-q.C()
		if want := string(rune('a' + i%26)); ev.ID != want {
			t.Fatalf("event %d: got %q want %q", i, ev.ID, want)
		}
	}
}
