package engine

import "github.com/dkeye/Huddle/internal/domain"

// Wire shapes follow the mediasoup-client JSON layout so browsers can use
// device.load / transport.produce without translation.

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind" mapstructure:"kind"`
	MimeType             string           `json:"mimeType" mapstructure:"mime_type"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty" mapstructure:"preferred_payload_type"`
	ClockRate            uint32           `json:"clockRate" mapstructure:"clock_rate"`
	Channels             uint16           `json:"channels,omitempty" mapstructure:"channels"`
	Parameters           map[string]any   `json:"parameters,omitempty" mapstructure:"parameters"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty" mapstructure:"-"`
}

type RtpHeaderExtension struct {
	Kind        domain.MediaKind `json:"kind"`
	URI         string           `json:"uri"`
	PreferredID int              `json:"preferredId"`
	Direction   string           `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc            uint32 `json:"ssrc,omitempty"`
	Rid             string `json:"rid,omitempty"`
	MaxBitrate      uint64 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             *RtcpParameters                `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type IceServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

// TransportParameters is what a browser needs to build its side of a transport.
type TransportParameters struct {
	ID             string          `json:"id"`
	IceParameters  IceParameters   `json:"iceParameters"`
	IceCandidates  []IceCandidate  `json:"iceCandidates"`
	DtlsParameters DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *SctpParameters `json:"sctpParameters,omitempty"`
	IceServers     []IceServer     `json:"iceServers,omitempty"`
}

// ConnectParams completes a transport. ICE fields are optional for clients
// that only send DTLS parameters; engines that need them fail with ErrBadRequest.
type ConnectParams struct {
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
	IceParameters  *IceParameters `json:"iceParameters,omitempty"`
	IceCandidates  []IceCandidate `json:"iceCandidates,omitempty"`
}

type TransportOptions struct {
	EnableSctp                      bool
	InitialAvailableOutgoingBitrate uint64
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RtpParameters RtpParameters
	Paused        bool
}

type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
}

type EventType int

const (
	EventTransportClosed EventType = iota + 1
	EventProducerClosed
	EventConsumerClosed
)

func (t EventType) String() string {
	switch t {
	case EventTransportClosed:
		return "transport-closed"
	case EventProducerClosed:
		return "producer-closed"
	case EventConsumerClosed:
		return "consumer-closed"
	}
	return "unknown"
}

// Event reports a resource closed by the engine itself.
type Event struct {
	Type   EventType
	ID     string
	Reason string
}

type Stats struct {
	Transports       int    `json:"transports"`
	Producers        int    `json:"producers"`
	Consumers        int    `json:"consumers"`
	PacketsForwarded uint64 `json:"packetsForwarded"`
}
