package patch

import (
	"net/mail"
	"strings"
)

// Headers holds the metadata that can be read from a message even when it
// is not a valid patch.
type Headers struct {
	MessageID string
	From      string
	Subject   string
}

// InspectHeaders reads what it can from the header section of raw. Missing
// or unreadable headers are left empty.
func InspectHeaders(raw []byte) Headers {
	msg, err := mail.ReadMessage(strings.NewReader(stripMboxFromLine(normalizeNewlines(raw))))
	if err != nil {
		return Headers{}
	}
	return Headers{
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		From:      decodeHeader(strings.TrimSpace(msg.Header.Get("From"))),
		Subject:   strings.Join(strings.Fields(decodeHeader(msg.Header.Get("Subject"))), " "),
	}
}
