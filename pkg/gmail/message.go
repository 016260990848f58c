package gmail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	syncdomain "storysync/internal/sync/domain"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseRawMessage decodes an RFC 822 message into the From/Subject headers
// and a text body. text/plain parts win over text/html; notification emails
// from the supported sources always carry a plain part.
func ParseRawMessage(raw []byte) (*syncdomain.RawMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unable to parse message: %v", err)
	}

	msg := &syncdomain.RawMessage{}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		if from[0].Name != "" {
			msg.From = fmt.Sprintf("%s <%s>", from[0].Name, from[0].Address)
		} else {
			msg.From = from[0].Address
		}
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}

	var plain, html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			// Unknown charsets and similar per-part problems shouldn't
			// lose the rest of the message.
			continue
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := header.ContentType()

		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && plain == "":
			plain = string(body)
		case strings.HasPrefix(contentType, "text/html") && html == "":
			html = string(body)
		}
	}

	if plain != "" {
		msg.Body = plain
	} else {
		msg.Body = html
	}

	return msg, nil
}
