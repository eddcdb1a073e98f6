package sessionmon

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"

	"github.com/meko-christian/imap-fleet/internal/connpool"
	"github.com/meko-christian/imap-fleet/internal/model"
)

const (
	truncateAt  = 200 * 1024
	truncateCap = 250 * 1024
	truncMarker = "[Message truncated]"
)

// buildEnvelope constructs the normalized Envelope from one FETCH result.
// The raw source is passed through as the body; parseAttachments
// additionally walks the MIME tree for the alternative fully-parsed path.
func buildEnvelope(mailboxID string, fm connpool.FetchedMessage, now time.Time) (model.Envelope, bool) {
	if fm.MessageID == "" && fm.UID == 0 {
		return model.Envelope{}, false
	}

	env := model.Envelope{
		MailboxID:         mailboxID,
		OriginalMessageID: fm.MessageID,
		InternalID:        internalID(mailboxID, fm.UID, now),
		InReplyTo:         fm.InReplyTo,
		References:        fm.References,
		From:              fm.From,
		To:                fm.To,
		Subject:           fm.Subject,
		Body:              string(fm.RawSource),
		ReceivedAt:        fm.Date,
		IsReply:           fm.InReplyTo != "" || len(fm.References) > 0,
	}

	if env.OriginalMessageID == "" && env.InternalID == "" {
		return env, false
	}

	if attachments, err := parseAttachments(fm.RawSource); err == nil {
		env.Attachments = attachments
	}

	truncate(&env)
	return env, true
}

// internalID builds a stable per-message id: mailbox_id + '_' + uid + '_' + wall_ms.
func internalID(mailboxID string, uid uint32, now time.Time) string {
	return fmt.Sprintf("%s_%d_%d", mailboxID, uid, now.UnixMilli())
}

// parseAttachments walks the MIME tree the way
// internal/reflector/extract_bodies.go does, but only collects attachment
// metadata (filename, content-type, size, base64) — text/html extraction
// is not needed since the raw source already carries the body.
func parseAttachments(raw []byte) ([]model.Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	entity, err := gomessage.Read(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse mime: %w", err)
	}

	mediaType, _, _ := entity.Header.ContentType()
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, nil
	}

	var out []model.Attachment
	mr := entity.MultipartReader()
	if mr == nil {
		return nil, nil
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		disposition, _, _ := part.Header.ContentDisposition()
		if disposition != "attachment" {
			continue
		}

		partMediaType, _, _ := part.Header.ContentType()
		filename := "attachment"
		if cd := part.Header.Get("Content-Disposition"); cd != "" {
			if _, params, err := mime.ParseMediaType(cd); err == nil {
				if name, ok := params["filename"]; ok {
					filename = name
				}
			}
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		out = append(out, model.Attachment{
			Filename:    filename,
			ContentType: partMediaType,
			Size:        len(body),
			Base64:      base64.StdEncoding.EncodeToString(body),
		})
	}
	return out, nil
}

// truncate enforces the oversize cap: an envelope whose body is longer
// than truncateCap has its body cut to truncateAt with an explicit marker.
func truncate(env *model.Envelope) {
	if len(env.Body) <= truncateCap {
		return
	}
	env.Body = env.Body[:truncateAt] + "\n" + truncMarker
	env.Truncated = true
}
