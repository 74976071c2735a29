package native

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path"
	"strings"
	"time"

	rardecode "github.com/nwaples/rardecode/v2"

	"phonica_back/catalog"
	"phonica_back/storage"
)

const (
	maxArchiveBytes int64 = 200 * 1024 * 1024 // 200 MiB upper guard
	maxEntryBytes   int64 = 20 * 1024 * 1024

	archiveFormatZip = "zip"
	archiveFormatRar = "rar"
)

// ImportReport lists the outcome of one native-recording archive upload.
type ImportReport struct {
	Imported []string          `json:"imported"`
	Skipped  map[string]string `json:"skipped,omitempty"`
}

// Importer registers studio recordings as native audio sources. Native
// sources never expire (NULL cached_until) and outrank every generated
// tier, so an import immediately becomes the unit's playable audio.
type Importer struct {
	store *catalog.Store
	files *storage.AudioStorage
}

func NewImporter(store *catalog.Store, files *storage.AudioStorage) *Importer {
	return &Importer{store: store, files: files}
}

// ImportArchive accepts a zip or rar archive of audio files. Each entry's
// file stem is the unit key it belongs to; entries for unknown units or
// non-audio entries are skipped and reported, never fatal.
func (imp *Importer) ImportArchive(ctx context.Context, fileHeader *multipart.FileHeader) (*ImportReport, error) {
	if imp == nil || imp.store == nil || imp.files == nil {
		return nil, errors.New("native: importer not configured")
	}
	if fileHeader == nil {
		return nil, errors.New("native: archive file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxArchiveBytes {
		return nil, fmt.Errorf("native: archive size exceeds %d bytes", maxArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("native: open archive: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "native-audio-*")
	if err != nil {
		return nil, fmt.Errorf("native: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("native: copy archive: %w", err)
	}
	if written > maxArchiveBytes {
		return nil, fmt.Errorf("native: archive size exceeds %d bytes", maxArchiveBytes)
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("native: rewind temp file: %w", err)
	}
	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("native: rewind temp file: %w", err)
	}

	report := &ImportReport{Skipped: make(map[string]string)}
	switch format {
	case archiveFormatZip:
		err = imp.walkZip(ctx, tmpFile, written, report)
	case archiveFormatRar:
		err = imp.walkRar(ctx, tmpFile.Name(), report)
	default:
		err = errors.New("native: unsupported archive format")
	}
	if err != nil {
		return nil, err
	}
	if len(report.Imported) == 0 && len(report.Skipped) == 0 {
		return nil, errors.New("native: archive is empty")
	}
	return report, nil
}

func (imp *Importer) walkZip(ctx context.Context, tmpFile *os.File, size int64, report *ImportReport) error {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return fmt.Errorf("native: parse archive: %w", err)
	}

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return err
		}
		if sanitized == "" {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("native: open entry %s: %w", sanitized, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
		rc.Close()
		if err != nil {
			return fmt.Errorf("native: read entry %s: %w", sanitized, err)
		}

		imp.importEntry(ctx, sanitized, data, report)
	}
	return nil
}

func (imp *Importer) walkRar(ctx context.Context, tmpPath string, report *ImportReport) error {
	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("native: reopen temp archive: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return fmt.Errorf("native: parse rar archive: %w", err)
	}

	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("native: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}

		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return err
		}
		if sanitized == "" {
			if _, err := io.Copy(io.Discard, rr); err != nil {
				return fmt.Errorf("native: discard rar entry: %w", err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rr, maxEntryBytes+1))
		if err != nil {
			return fmt.Errorf("native: read rar entry %s: %w", sanitized, err)
		}

		imp.importEntry(ctx, sanitized, data, report)
	}
	return nil
}

// importEntry registers one audio file as the native source for the unit
// named by its file stem.
func (imp *Importer) importEntry(ctx context.Context, entryPath string, data []byte, report *ImportReport) {
	base := path.Base(entryPath)
	ext := strings.ToLower(path.Ext(base))
	mimeType, ok := audioMime(ext)
	if !ok {
		report.Skipped[entryPath] = "not an audio file"
		return
	}
	if int64(len(data)) > maxEntryBytes {
		report.Skipped[entryPath] = "entry too large"
		return
	}
	if len(data) == 0 {
		report.Skipped[entryPath] = "empty file"
		return
	}

	unitKey := strings.TrimSuffix(base, path.Ext(base))
	unit, err := imp.store.UnitByKey(ctx, unitKey)
	if err != nil {
		if errors.Is(err, catalog.ErrUnitNotFound) {
			report.Skipped[entryPath] = "no matching audio unit"
			return
		}
		report.Skipped[entryPath] = err.Error()
		return
	}

	objectName := storage.NativeObjectName(time.Now().UTC(), base)
	size, err := imp.files.Save(ctx, objectName, data, mimeType)
	if err != nil {
		log.Printf("native: store recording for %s: %v", unitKey, err)
		report.Skipped[entryPath] = "storage write failed"
		return
	}

	now := time.Now().UTC()
	source := &catalog.AudioSource{
		UnitKey:  unit.UnitKey,
		Tier:     catalog.TierNative,
		VoiceID:  "native",
		Language: unit.Language,
		FileRef:  objectName,
		MimeType: mimeType,
		Metadata: []byte(`{"provenance":"manual import"}`),
	}
	if err := imp.store.UpsertSource(ctx, source); err != nil {
		log.Printf("native: register source for %s: %v", unitKey, err)
		if removeErr := imp.files.Remove(ctx, objectName); removeErr != nil {
			log.Printf("native: cleanup %s: %v", objectName, removeErr)
		}
		report.Skipped[entryPath] = "catalog write failed"
		return
	}
	if err := imp.store.UpsertCacheEntry(ctx, &catalog.AudioCacheEntry{
		SourceID:       source.ID,
		FileSizeBytes:  size,
		GeneratedAt:    now,
		LastAccessedAt: now,
	}); err != nil {
		log.Printf("native: register cache entry for %s: %v", unitKey, err)
	}
	if _, err := imp.store.ActivateVersion(ctx, unit.UnitKey, source.ID, "native import"); err != nil {
		log.Printf("native: activate version for %s: %v", unitKey, err)
		report.Skipped[entryPath] = "version activation failed"
		return
	}

	report.Imported = append(report.Imported, unit.UnitKey)
}

func audioMime(ext string) (string, bool) {
	switch ext {
	case ".mp3":
		return "audio/mpeg", true
	case ".wav":
		return "audio/wav", true
	case ".ogg", ".opus":
		return "audio/ogg", true
	case ".m4a", ".aac":
		return "audio/aac", true
	case ".flac":
		return "audio/flac", true
	default:
		return "", false
	}
}

func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(path.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("native: read archive header: %w", err)
	}
	headerSlice := header[:n]

	if len(headerSlice) >= 2 && bytes.Equal(headerSlice[:2], []byte{0x50, 0x4b}) {
		return archiveFormatZip, nil
	}
	if len(headerSlice) >= 6 && bytes.Equal(headerSlice[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return archiveFormatRar, nil
	}

	if ext != "" {
		return "", fmt.Errorf("native: unsupported archive format %q", ext)
	}
	return "", errors.New("native: unsupported archive format, only .zip and .rar are accepted")
}

func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("native: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	if strings.HasPrefix(path.Base(normalized), ".") {
		return "", nil
	}
	return normalized, nil
}
