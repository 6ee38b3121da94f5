package client

// LocalStatus is a message's status as the sending client tracks it. It
// extends the ledger statuses with the client-only sending and failed.
type LocalStatus string

const (
	StatusSending   LocalStatus = "sending"
	StatusSent      LocalStatus = "sent"
	StatusDelivered LocalStatus = "delivered"
	StatusRead      LocalStatus = "read"
	StatusFailed    LocalStatus = "failed"
)

func (s LocalStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// StatusGlyph renders a status the way the message list shows it.
func StatusGlyph(s LocalStatus) string {
	switch s {
	case StatusSending:
		return "…"
	case StatusSent:
		return "✓"
	case StatusDelivered:
		return "✓✓"
	case StatusRead:
		return "✓✓ read"
	case StatusFailed:
		return "!"
	}
	return ""
}
