// Package attachment stores uploaded message files in blob storage and maps
// stored names to client URLs.
package attachment

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/chat-core/internal/metrics"
)

// Blob is the blob storage backend. Delete must succeed for keys that do not
// exist.
type Blob interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Upload is one file received with a send request.
type Upload struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// Config names where blobs live and how their URLs are built.
type Config struct {
	BaseURL          string
	AttachmentPrefix string
	AvatarPrefix     string
}

func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:8080/storage",
		AttachmentPrefix: "attachment",
		AvatarPrefix:     "avatar",
	}
}

// Pipeline writes attachments under Config.AttachmentPrefix. Stored names are
// "<random>_<sanitized original name>" and are what messages persist.
type Pipeline struct {
	blob   Blob
	cfg    Config
	logger *zap.Logger
	newID  func() string
}

// NewPipeline returns a Pipeline writing to blob.
func NewPipeline(blob Blob, cfg Config, logger *zap.Logger) *Pipeline {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AttachmentPrefix = strings.Trim(cfg.AttachmentPrefix, "/")
	cfg.AvatarPrefix = strings.Trim(cfg.AvatarPrefix, "/")
	return &Pipeline{
		blob:   blob,
		cfg:    cfg,
		logger: logger,
		newID:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:16] },
	}
}

func (p *Pipeline) key(stored string) string {
	return path.Join(p.cfg.AttachmentPrefix, stored)
}

// Store writes one upload and returns its stored name.
func (p *Pipeline) Store(ctx context.Context, up Upload) (string, error) {
	stored := p.newID() + "_" + SanitizeName(up.Name)
	ct := up.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	if err := p.blob.Put(ctx, p.key(stored), up.Body, up.Size, ct); err != nil {
		return "", fmt.Errorf("attachment: put %s: %w", stored, err)
	}
	metrics.AttachmentBytes.Add(float64(up.Size))
	return stored, nil
}

// StoreAll writes every upload in order. If one fails, the files already
// written are deleted and the error is returned, so a failed send leaves no
// blobs behind.
func (p *Pipeline) StoreAll(ctx context.Context, ups []Upload) ([]string, error) {
	stored := make([]string, 0, len(ups))
	for _, up := range ups {
		name, err := p.Store(ctx, up)
		if err != nil {
			p.DeleteAll(context.WithoutCancel(ctx), stored)
			return nil, err
		}
		stored = append(stored, name)
	}
	return stored, nil
}

// URL resolves a stored attachment name. It performs no I/O.
func (p *Pipeline) URL(stored string) string {
	return p.cfg.BaseURL + "/" + p.cfg.AttachmentPrefix + "/" + url.PathEscape(stored)
}

// AvatarURL resolves a stored avatar name. It performs no I/O.
func (p *Pipeline) AvatarURL(stored string) string {
	return p.cfg.BaseURL + "/" + p.cfg.AvatarPrefix + "/" + url.PathEscape(stored)
}

// Delete removes one stored attachment. Missing blobs are not an error.
func (p *Pipeline) Delete(ctx context.Context, stored string) error {
	if err := p.blob.Delete(ctx, p.key(stored)); err != nil {
		return fmt.Errorf("attachment: delete %s: %w", stored, err)
	}
	return nil
}

// DeleteAll deletes every stored name, logging failures and continuing. It
// returns how many deletions failed.
func (p *Pipeline) DeleteAll(ctx context.Context, stored []string) int {
	failed := 0
	for _, s := range stored {
		if err := p.Delete(ctx, s); err != nil {
			failed++
			p.logger.Warn("attachment cleanup failed", zap.String("attachment", s), zap.Error(err))
		}
	}
	return failed
}

const maxNameLen = 100

// SanitizeName reduces an uploaded filename to a safe base name of letters,
// digits, '.', '-' and '_'.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)),
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	if out == "" {
		return "file"
	}
	return out
}
