package ingest

import (
	"strconv"
	"strings"

	"github.com/sipeed/wabridge/pkg/media"
	"github.com/sipeed/wabridge/pkg/socket"
	"github.com/sipeed/wabridge/pkg/storage/repository"
)

// Extract turns a content variant into display text and a media kind.
// Captionless media gets a bracketed placeholder; unknown content yields
// nothing.
func Extract(c socket.Content) (string, repository.MediaKind) {
	switch v := c.(type) {
	case socket.TextContent:
		return v.Text, repository.MediaNone
	case socket.ExtendedTextContent:
		return v.Text, repository.MediaNone
	case socket.ImageContent:
		return orPlaceholder(v.Caption, "[Image]"), repository.MediaImage
	case socket.VideoContent:
		return orPlaceholder(v.Caption, "[Video]"), repository.MediaVideo
	case socket.DocumentContent:
		// Documents are listed by name; the caption is not shown.
		return orPlaceholder(v.FileName, "[Document]"), repository.MediaDocument
	case socket.StickerContent:
		return "[Sticker]", repository.MediaSticker
	case socket.LocationContent:
		return "[Location: " + formatCoord(v.Latitude) + ", " + formatCoord(v.Longitude) + "]", repository.MediaLocation
	case socket.ContactContent:
		return "[Contact: " + v.DisplayName + "]", repository.MediaContact
	case socket.UnknownContent, nil:
		return "", repository.MediaNone
	default:
		return "", repository.MediaNone
	}
}

// downloadExtension returns the file extension for content whose payload is
// fetched, and false for kinds that carry no binary.
func downloadExtension(c socket.Content) (string, bool) {
	switch v := c.(type) {
	case socket.ImageContent:
		return media.ExtensionFor(v.Mimetype, ""), true
	case socket.VideoContent:
		if v.Mimetype == "" {
			return ".mp4", true
		}
		return media.ExtensionFor(v.Mimetype, ""), true
	case socket.DocumentContent:
		return media.ExtensionFor(v.Mimetype, v.FileName), true
	case socket.StickerContent:
		return ".webp", true
	default:
		return "", false
	}
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
