package socket

// Content is the closed set of message content shapes a transport can
// deliver. Add a variant here and in every exhaustive switch over it.
type Content interface {
	isContent()
}

type TextContent struct {
	Text string
}

// ExtendedTextContent is text carrying a link preview or quote.
type ExtendedTextContent struct {
	Text string
}

type ImageContent struct {
	Caption  string
	Mimetype string
}

type VideoContent struct {
	Caption  string
	Mimetype string
}

type DocumentContent struct {
	FileName string
	Caption  string
	Mimetype string
}

type StickerContent struct {
	Mimetype string
}

type LocationContent struct {
	Latitude  float64
	Longitude float64
}

type ContactContent struct {
	DisplayName string
}

// UnknownContent is anything the transport could not classify.
type UnknownContent struct{}

func (TextContent) isContent()         {}
func (ExtendedTextContent) isContent() {}
func (ImageContent) isContent()        {}
func (VideoContent) isContent()        {}
func (DocumentContent) isContent()     {}
func (StickerContent) isContent()      {}
func (LocationContent) isContent()     {}
func (ContactContent) isContent()      {}
func (UnknownContent) isContent()      {}
