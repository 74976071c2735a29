package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectNotFound = errors.New("storage: object not found")

// AudioStorage persists audio payloads either in MinIO/S3 (when MINIO_*
// is configured) or in a local directory. Object names are deterministic,
// so generated assets are locatable from catalog metadata alone.
type AudioStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
	baseDir   string
}

// NewAudioStorageFromEnv prefers MinIO when fully configured and falls
// back to AUDIO_STORAGE_DIR (default ./data/audio) otherwise.
func NewAudioStorageFromEnv() (*AudioStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))

	if endpoint != "" && accessKey != "" && secretKey != "" && bucket != "" {
		useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
		client, err := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
			Secure: useSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: init minio client: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("storage: check bucket: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("storage: create bucket: %w", err)
			}
		}

		publicURL := strings.TrimSpace(os.Getenv("MINIO_PUBLIC_URL"))
		if publicURL == "" {
			scheme := "http"
			if useSSL {
				scheme = "https"
			}
			publicURL = fmt.Sprintf("%s://%s", scheme, endpoint)
		}

		return &AudioStorage{
			client:    client,
			bucket:    bucket,
			publicURL: strings.TrimSuffix(publicURL, "/"),
		}, nil
	}

	dir := strings.TrimSpace(os.Getenv("AUDIO_STORAGE_DIR"))
	if dir == "" {
		dir = "./data/audio"
	}
	return NewLocalAudioStorage(dir)
}

// NewLocalAudioStorage stores objects beneath a local base directory.
func NewLocalAudioStorage(dir string) (*AudioStorage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve audio dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure audio dir: %w", err)
	}
	return &AudioStorage{baseDir: abs}, nil
}

// Save durably writes one object. Local writes go through a temp file
// and rename so a crash never leaves a half-written object behind.
func (s *AudioStorage) Save(ctx context.Context, objectName string, data []byte, contentType string) (int64, error) {
	if s == nil {
		return 0, errors.New("storage: audio storage not configured")
	}
	objectName = normalizeObjectName(objectName)
	if objectName == "" {
		return 0, errors.New("storage: object name is required")
	}
	if len(data) == 0 {
		return 0, errors.New("storage: payload is empty")
	}

	if s.client != nil {
		putCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		info, err := s.client.PutObject(putCtx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return 0, fmt.Errorf("storage: upload %s: %w", objectName, err)
		}
		return info.Size, nil
	}

	target := filepath.Join(s.baseDir, filepath.FromSlash(objectName))
	if !strings.HasPrefix(target, s.baseDir) {
		return 0, fmt.Errorf("storage: object name %q escapes base dir", objectName)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("storage: prepare dir: %w", err)
	}

	tmp := target + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("storage: promote temp file: %w", err)
	}
	return int64(len(data)), nil
}

// Stat reports the stored size of an object, or ErrObjectNotFound.
func (s *AudioStorage) Stat(ctx context.Context, objectName string) (int64, error) {
	if s == nil {
		return 0, errors.New("storage: audio storage not configured")
	}
	objectName = normalizeObjectName(objectName)

	if s.client != nil {
		statCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		info, err := s.client.StatObject(statCtx, s.bucket, objectName, minio.StatObjectOptions{})
		if err != nil {
			var errResp minio.ErrorResponse
			if errors.As(err, &errResp) && errResp.Code == "NoSuchKey" {
				return 0, ErrObjectNotFound
			}
			return 0, fmt.Errorf("storage: stat %s: %w", objectName, err)
		}
		return info.Size, nil
	}

	info, err := os.Stat(filepath.Join(s.baseDir, filepath.FromSlash(objectName)))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("storage: stat %s: %w", objectName, err)
	}
	return info.Size(), nil
}

// Exists reports whether the object is present on durable storage.
func (s *AudioStorage) Exists(ctx context.Context, objectName string) bool {
	_, err := s.Stat(ctx, objectName)
	return err == nil
}

// Open returns the object's payload.
func (s *AudioStorage) Open(ctx context.Context, objectName string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("storage: audio storage not configured")
	}
	objectName = normalizeObjectName(objectName)

	if s.client != nil {
		getCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		obj, err := s.client.GetObject(getCtx, s.bucket, objectName, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("storage: get %s: %w", objectName, err)
		}
		defer obj.Close()
		buf := &bytes.Buffer{}
		if _, err := buf.ReadFrom(obj); err != nil {
			var errResp minio.ErrorResponse
			if errors.As(err, &errResp) && errResp.Code == "NoSuchKey" {
				return nil, ErrObjectNotFound
			}
			return nil, fmt.Errorf("storage: read %s: %w", objectName, err)
		}
		return buf.Bytes(), nil
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(objectName)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", objectName, err)
	}
	return data, nil
}

// Remove deletes an object; removing a missing object is not an error.
func (s *AudioStorage) Remove(ctx context.Context, objectName string) error {
	if s == nil {
		return nil
	}
	objectName = normalizeObjectName(objectName)
	if objectName == "" {
		return nil
	}

	if s.client != nil {
		removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.client.RemoveObject(removeCtx, s.bucket, objectName, minio.RemoveObjectOptions{})
	}

	err := os.Remove(filepath.Join(s.baseDir, filepath.FromSlash(objectName)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %s: %w", objectName, err)
	}
	return nil
}

// URL builds a client-facing location for the object.
func (s *AudioStorage) URL(objectName string) string {
	if s == nil {
		return ""
	}
	objectName = normalizeObjectName(objectName)
	if s.client != nil {
		return s.publicURL + "/" + path.Join(s.bucket, objectName)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(objectName))
}

func normalizeObjectName(name string) string {
	trimmed := strings.TrimSpace(name)
	trimmed = strings.TrimPrefix(trimmed, "/")
	cleaned := path.Clean(trimmed)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}

// GeneratedObjectName names a generated asset deterministically from its
// catalog key, so regeneration with the same key overwrites in place.
func GeneratedObjectName(unitKey, tier, voiceID, encoding string) string {
	ext := strings.ToLower(strings.TrimSpace(encoding))
	if ext == "" {
		ext = "mp3"
	}
	return path.Join("generated", slug(unitKey), fmt.Sprintf("%s-%s.%s", slug(tier), slug(voiceID), ext))
}

// NativeObjectName partitions imported native recordings by date.
func NativeObjectName(day time.Time, fileName string) string {
	return path.Join("native", day.Format("2006-01-02"), slug(strings.TrimSuffix(fileName, path.Ext(fileName)))+strings.ToLower(path.Ext(fileName)))
}

// slug keeps object names filesystem- and URL-safe; phonetic symbols and
// other non-ASCII unit keys are hex-escaped per rune.
func slug(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			fmt.Fprintf(&b, "u%04x", r)
		}
	}
	if b.Len() == 0 {
		return "blank"
	}
	return b.String()
}
