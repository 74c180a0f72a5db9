package chat

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// AttachmentRef links a user message to a previously uploaded file. The raw
// slice is stored as JSON on the message row.
type AttachmentRef struct {
	UploadID string `json:"uploadId"`
	Name     string `json:"name,omitempty"`
}

const maxInlineAttachmentBytes = 256 << 10 // 256 KiB of text per attachment

// inlineAttachments renders a user message's attachments as text for the
// model context. Text-like files are embedded verbatim; anything else, and
// any ref that fails to resolve, degrades to a placeholder so the turn still
// runs with the rest of the context intact.
func (s *Service) inlineAttachments(attachmentsJSON string) string {
	attachmentsJSON = strings.TrimSpace(attachmentsJSON)
	if attachmentsJSON == "" || attachmentsJSON == "[]" {
		return ""
	}
	var refs []AttachmentRef
	if err := json.Unmarshal([]byte(attachmentsJSON), &refs); err != nil {
		s.log.Warn("malformed attachments payload", "err", err)
		return ""
	}

	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		parts = append(parts, s.inlineAttachment(ref))
	}
	return strings.Join(parts, "\n\n")
}

func (s *Service) inlineAttachment(ref AttachmentRef) string {
	name := strings.TrimSpace(ref.Name)

	meta, dataPath, err := s.readUpload(ref.UploadID)
	if err != nil {
		s.log.Warn("attachment resolution failed", "upload_id", ref.UploadID, "err", err)
		if name == "" {
			name = strings.TrimSpace(ref.UploadID)
		}
		return fmt.Sprintf("[attachment %q could not be loaded]", name)
	}
	if name == "" {
		name = meta.Name
	}

	if !isTextLikeMimeType(meta.MimeType) {
		return fmt.Sprintf("[attachment %q (%s, %d bytes) omitted: binary content]", name, meta.MimeType, meta.Size)
	}
	if meta.Size > maxInlineAttachmentBytes {
		return fmt.Sprintf("[attachment %q (%s, %d bytes) omitted: too large to inline]", name, meta.MimeType, meta.Size)
	}

	data, err := os.ReadFile(dataPath)
	if err != nil {
		s.log.Warn("attachment read failed", "upload_id", ref.UploadID, "err", err)
		return fmt.Sprintf("[attachment %q could not be loaded]", name)
	}
	return fmt.Sprintf("--- attachment: %s (%s) ---\n%s\n--- end attachment ---", name, meta.MimeType, strings.TrimSpace(string(data)))
}

func isTextLikeMimeType(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml", "application/toml", "application/markdown":
		return true
	default:
		return false
	}
}
