package domain

import "fmt"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func ParseMediaKind(raw string) (MediaKind, error) {
	switch MediaKind(raw) {
	case MediaKindAudio, MediaKindVideo:
		return MediaKind(raw), nil
	}
	return "", fmt.Errorf("unknown media kind %q", raw)
}
