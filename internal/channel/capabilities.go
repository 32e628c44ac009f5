package channel

import "github.com/p3394/exemplar-agent/internal/umf"

// ChannelCapabilities declares what a UMF-native channel adapter can carry
// natively, driving AdaptContent's downgrade decisions (spec §4.9).
type ChannelCapabilities struct {
	SupportedContentTypes []umf.ContentType
	MaxMessageBytes       int
	MaxAttachmentBytes    int
	SupportsStreaming     bool
	SupportsRichCommands  bool
}

// Supports reports whether ct is carried natively by this capability set.
func (c ChannelCapabilities) Supports(ct umf.ContentType) bool {
	for _, t := range c.SupportedContentTypes {
		if t == ct {
			return true
		}
	}
	return false
}
