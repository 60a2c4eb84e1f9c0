package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"sharegate/internal/server/admission"
	"sharegate/internal/server/config"
	"sharegate/internal/server/ledger"
	"sharegate/internal/server/quota"
	"sharegate/internal/server/storage"

	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound      = errors.New("object not found")
	ErrExpired       = errors.New("object has expired")
	ErrNoContent     = errors.New("no content provided")
	ErrInvalidToken  = errors.New("invalid deletion token")
	ErrFileTooLarge  = errors.New("file exceeds maximum allowed size")
	ErrIDUnavailable = errors.New("could not allocate a free short id")
)

const maxIDAttempts = 20

var shortIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// AdmissionError carries a refused admission decision.
type AdmissionError struct {
	Decision admission.Decision
}

func (e *AdmissionError) Error() string { return e.Decision.Err().Error() }

func (e *AdmissionError) Unwrap() error { return e.Decision.Err() }

// UploadResult is returned after a successful upload.
type UploadResult struct {
	URL           string    `json:"url"`
	ID            string    `json:"id"`
	FullURL       string    `json:"full_url"`
	ExpiresInDays int       `json:"expires_in_days"`
	DeletionToken string    `json:"deletion_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	Size          int64     `json:"size"`

	Decision admission.Decision `json:"-"`
}

// Object is stored content ready to be served. The caller must close Body.
type Object struct {
	Key         string
	ContentType string
	Body        io.ReadCloser
}

// UsageInfo reports one identity's storage against the ceiling.
type UsageInfo struct {
	Identity       string `json:"identity"`
	TotalBytes     int64  `json:"total_bytes"`
	ObjectCount    int    `json:"object_count"`
	CeilingBytes   int64  `json:"ceiling_bytes"`
	RemainingBytes int64  `json:"remaining_bytes"`
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalObjects   int    `json:"total_objects"`
	TotalBytes     int64  `json:"total_bytes"`
	TotalSizeHuman string `json:"total_size_human"`
	Identities     int    `json:"identities"`
}

// Option configures an UploadService.
type Option func(*UploadService)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *UploadService) { s.now = now }
}

// WithBcryptCost sets the cost used to hash deletion tokens.
func WithBcryptCost(cost int) Option {
	return func(s *UploadService) { s.bcryptCost = cost }
}

// UploadService contains the business logic for uploads, views and deletes.
type UploadService struct {
	gate       *admission.Gateway
	ledger     *ledger.Store
	store      storage.Store
	cfg        *config.Config
	now        func() time.Time
	bcryptCost int
}

// NewUploadService creates a new upload service.
func NewUploadService(gate *admission.Gateway, l *ledger.Store, store storage.Store, cfg *config.Config, opts ...Option) *UploadService {
	s := &UploadService{
		gate:       gate,
		ledger:     l,
		store:      store,
		cfg:        cfg,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessUpload stores an uploaded file for identity. The extension of
// filename is kept on the stored key.
func (s *UploadService) ProcessUpload(ctx context.Context, identity, filename string, data io.Reader) (*UploadResult, error) {
	// Read one byte past the limit to detect oversized bodies.
	buf, err := io.ReadAll(io.LimitReader(data, s.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload data: %w", err)
	}
	if int64(len(buf)) > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if len(buf) == 0 {
		return nil, ErrNoContent
	}

	ext := filepath.Ext(sanitizeFilename(filename))
	return s.storeContent(ctx, identity, ext, buf)
}

// ProcessText stores a text paste for identity.
func (s *UploadService) ProcessText(ctx context.Context, identity, text string) (*UploadResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrNoContent
	}
	if int64(len(text)) > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return s.storeContent(ctx, identity, ".txt", []byte(text))
}

// storeContent checks quota, writes the content and commits it to the
// ledger. Bans and the upload rate limit are applied before the body is
// read. Content is removed again if the commit fails.
func (s *UploadService) storeContent(ctx context.Context, identity, ext string, content []byte) (*UploadResult, error) {
	size := int64(len(content))
	decision := s.gate.CheckQuota(identity, size)
	if !decision.Allowed {
		return nil, &AdmissionError{Decision: decision}
	}

	deletionToken, err := generateSecureToken(24)
	if err != nil {
		return nil, fmt.Errorf("failed to generate deletion token: %w", err)
	}
	deletionToken = "del_" + deletionToken
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(deletionToken), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash deletion token: %w", err)
	}

	id, key, err := s.saveUnderFreeID(ctx, ext, content)
	if err != nil {
		return nil, err
	}

	rec, err := s.gate.Commit(ctx, identity, key, size, string(tokenHash))
	if err != nil {
		// Clean up stored content on ledger failure
		if delErr := s.store.Delete(ctx, key); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			slog.Error("failed to remove uncommitted content", "key", key, "error", delErr)
		}
		if errors.Is(err, quota.ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record upload: %w", err)
	}

	slog.Info("upload processed",
		"id", id,
		"key", key,
		"identity", identity,
		"size_bytes", size,
		"expires_at", rec.ExpiresAt,
	)

	return &UploadResult{
		URL:           "/" + id,
		ID:            id,
		FullURL:       strings.TrimRight(s.cfg.BaseURL, "/") + "/" + id,
		ExpiresInDays: s.cfg.RetentionDays(),
		DeletionToken: deletionToken,
		ExpiresAt:     rec.ExpiresAt,
		Size:          size,
		Decision:      decision,
	}, nil
}

// Open finds the object for a short id and opens its content.
func (s *UploadService) Open(ctx context.Context, id string) (*Object, error) {
	key, err := s.findKey(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec, ok := s.ledger.Get(key); ok && rec.Expired(s.now()) {
		return nil, ErrExpired
	}

	body, err := s.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Object{
		Key:         key,
		ContentType: contentType(key),
		Body:        body,
	}, nil
}

// DeleteUpload validates the deletion token and removes the object early,
// returning its bytes to the owner's quota.
func (s *UploadService) DeleteUpload(ctx context.Context, id, token string) error {
	key, err := s.findKey(ctx, id)
	if err != nil {
		return err
	}

	rec, ok := s.ledger.Get(key)
	if !ok {
		return ErrNotFound
	}
	if rec.DeletionTokenHash == "" || token == "" {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.DeletionTokenHash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	// Orphaned content is picked up by the sweeper, so continue with the
	// ledger even if this fails.
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Error("failed to delete content from storage", "key", key, "error", err)
	}

	if _, err := s.gate.Release(ctx, key); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to release upload record: %w", err)
	}

	slog.Info("upload deleted", "id", id, "key", key, "owner", rec.Owner)
	return nil
}

// Usage returns identity's storage usage.
func (s *UploadService) Usage(identity string) UsageInfo {
	usage, ceiling := s.gate.Usage(identity)
	remaining := ceiling - usage.TotalBytes
	if remaining < 0 {
		remaining = 0
	}
	return UsageInfo{
		Identity:       identity,
		TotalBytes:     usage.TotalBytes,
		ObjectCount:    usage.ObjectCount,
		CeilingBytes:   ceiling,
		RemainingBytes: remaining,
	}
}

// GetStats returns aggregate server statistics.
func (s *UploadService) GetStats() Stats {
	objects, total, identities := s.ledger.Totals()
	return Stats{
		TotalObjects:   objects,
		TotalBytes:     total,
		TotalSizeHuman: quota.HumanizeBytes(total),
		Identities:     identities,
	}
}

// findKey resolves a short id to the stored key of a ledger object: either
// the id itself or the id followed by an extension. Stored files without a
// ledger record are never resolved.
func (s *UploadService) findKey(ctx context.Context, id string) (string, error) {
	keys, err := s.storedKeys(ctx, id)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if s.ledger.Has(k) {
			return k, nil
		}
	}
	return "", ErrNotFound
}

// storedKeys lists every stored key that belongs to id.
func (s *UploadService) storedKeys(ctx context.Context, id string) ([]string, error) {
	if !shortIDPattern.MatchString(id) {
		return nil, nil
	}

	keys, err := s.store.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	matched := keys[:0]
	for _, k := range keys {
		if matchesID(k, id) {
			matched = append(matched, k)
		}
	}
	return matched, nil
}

// saveUnderFreeID stores content under a short id nothing else uses. Save
// refuses existing keys, so concurrent uploads that draw the same id never
// overwrite each other; the loser draws again.
func (s *UploadService) saveUnderFreeID(ctx context.Context, ext string, content []byte) (id, key string, err error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err = generateShortID()
		if err != nil {
			return "", "", err
		}
		taken, err := s.storedKeys(ctx, id)
		if err != nil {
			return "", "", err
		}
		if len(taken) > 0 {
			continue
		}

		key = id + ext
		if _, err := s.store.Save(ctx, key, bytes.NewReader(content)); err != nil {
			if errors.Is(err, storage.ErrExists) {
				continue
			}
			return "", "", fmt.Errorf("failed to store content: %w", err)
		}
		return id, key, nil
	}
	return "", "", ErrIDUnavailable
}

// --- Helpers ---

func matchesID(key, id string) bool {
	return key == id || strings.HasPrefix(key, id+".")
}

// generateShortID produces a memorable id such as "river42".
func generateShortID() (string, error) {
	w, err := rand.Int(rand.Reader, big.NewInt(int64(len(wordList))))
	if err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(99))
	if err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return fmt.Sprintf("%s%d", wordList[w.Int64()], n.Int64()+1), nil
}

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// sanitizeFilename strips directory components, replaces unsafe characters
// and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	// Take only the base name
	name = filepath.Base(name)
	if name == "." || name == "/" {
		return ""
	}

	name = unsafeFilenameChars.ReplaceAllString(name, "_")

	// Prevent hidden files
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}

	ext := filepath.Ext(name)
	if base := strings.TrimSuffix(name, ext); len(base) > 100 {
		name = base[:100] + ext
	}
	return name
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(key))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
