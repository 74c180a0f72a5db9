package chat

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UploadMeta describes a stored attachment file. The data and the metadata
// live side by side as <id>.data / <id>.json under the uploads dir.
type UploadMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

func newUploadID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "upl_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func validUploadID(id string) bool {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "upl_") {
		return false
	}
	raw := strings.TrimPrefix(id, "upl_")
	if raw == "" {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(raw)
	return err == nil
}

func (s *Service) initUploadsDir() error {
	if s == nil {
		return errors.New("nil service")
	}
	return os.MkdirAll(s.uploadsDir, 0o700)
}

// SaveUpload stores an attachment ahead of the turn that references it.
// Writes are atomic (tmp + rename) so a crashed upload never leaves a
// readable half-file.
func (s *Service) SaveUpload(r io.Reader, name string, mimeType string, maxBytes int64) (*UploadMeta, error) {
	if s == nil {
		return nil, errors.New("nil service")
	}
	if r == nil {
		return nil, errors.New("missing file")
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20 // 10 MiB
	}

	id, err := newUploadID()
	if err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = "upload"
	}

	dataPath := filepath.Join(s.uploadsDir, id+".data")
	metaPath := filepath.Join(s.uploadsDir, id+".json")

	f, err := os.OpenFile(dataPath+".tmp", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limited := &io.LimitedReader{R: r, N: maxBytes + 1}
	n, err := io.Copy(f, limited)
	if err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return nil, err
	}
	if n > maxBytes {
		_ = os.Remove(dataPath + ".tmp")
		return nil, fmt.Errorf("file too large (max %d bytes)", maxBytes)
	}

	mt := strings.TrimSpace(mimeType)
	if mt == "" || mt == "application/octet-stream" {
		if _, err := f.Seek(0, 0); err == nil {
			head := make([]byte, 512)
			hn, _ := f.Read(head)
			if hn > 0 {
				mt = http.DetectContentType(head[:hn])
			}
		}
	}
	if mt == "" {
		mt = "application/octet-stream"
	}

	meta := UploadMeta{
		ID:        id,
		Name:      name,
		Size:      n,
		MimeType:  mt,
		CreatedAt: time.Now().UnixMilli(),
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return nil, err
	}
	mb = append(mb, '\n')

	if err := os.WriteFile(metaPath+".tmp", mb, 0o600); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		return nil, err
	}
	if err := os.Rename(dataPath+".tmp", dataPath); err != nil {
		_ = os.Remove(dataPath + ".tmp")
		_ = os.Remove(metaPath + ".tmp")
		return nil, err
	}
	if err := os.Rename(metaPath+".tmp", metaPath); err != nil {
		_ = os.Remove(metaPath + ".tmp")
		_ = os.Remove(dataPath)
		return nil, err
	}
	return &meta, nil
}

// readUpload loads an upload's metadata and returns the path to its data
// file. The id is validated before it touches the filesystem.
func (s *Service) readUpload(id string) (*UploadMeta, string, error) {
	if s == nil {
		return nil, "", errors.New("nil service")
	}
	id = strings.TrimSpace(id)
	if !validUploadID(id) {
		return nil, "", errors.New("invalid upload id")
	}

	metaPath := filepath.Join(s.uploadsDir, id+".json")
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, "", err
	}
	var meta UploadMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, "", err
	}
	return &meta, filepath.Join(s.uploadsDir, id+".data"), nil
}

// OpenUpload exposes an upload for download endpoints.
func (s *Service) OpenUpload(id string) (*UploadMeta, io.ReadCloser, error) {
	meta, dataPath, err := s.readUpload(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, err
	}
	return meta, f, nil
}
