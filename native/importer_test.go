package native

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"phonica_back/catalog"
	"phonica_back/storage"
)

func newTestImporter(t *testing.T) (*Importer, *catalog.Store, *storage.AudioStorage) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := catalog.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	files, err := storage.NewLocalAudioStorage(t.TempDir())
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	return NewImporter(store, files), store, files
}

func seedUnit(t *testing.T, store *catalog.Store, unitKey string) {
	t.Helper()
	unit := &catalog.AudioUnit{
		UnitKey:  unitKey,
		Kind:     "symbol",
		Text:     unitKey,
		Language: "en-US",
		Category: "consonant",
	}
	if err := store.DB().Create(unit).Error; err != nil {
		t.Fatalf("seed unit: %v", err)
	}
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for name, data := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", name, err)
		}
		if _, err := entry.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func uploadHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("archive", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("form write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	form, err := multipart.NewReader(body, w.Boundary()).ReadForm(32 << 20)
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	t.Cleanup(func() { form.RemoveAll() })
	return form.File["archive"][0]
}

func TestImportArchiveRegistersNativeSources(t *testing.T) {
	importer, store, files := newTestImporter(t)
	ctx := context.Background()
	seedUnit(t, store, "th")

	archive := buildZip(t, map[string][]byte{
		"th.mp3":      []byte("native-recording"),
		"unknown.mp3": []byte("orphan"),
		"notes.txt":   []byte("not audio"),
	})
	report, err := importer.ImportArchive(ctx, uploadHeader(t, "studio.zip", archive))
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	if len(report.Imported) != 1 || report.Imported[0] != "th" {
		t.Fatalf("imported = %v, want [th]", report.Imported)
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("skipped = %v, want 2 entries", report.Skipped)
	}

	source, err := store.SourceByKey(ctx, "th", catalog.TierNative, "native")
	if err != nil {
		t.Fatalf("native source: %v", err)
	}
	if source.CachedUntil != nil {
		t.Fatal("native sources must never expire")
	}
	if !files.Exists(ctx, source.FileRef) {
		t.Fatalf("recording %s not stored", source.FileRef)
	}

	version, err := store.ActiveVersion(ctx, "th")
	if err != nil {
		t.Fatalf("active version: %v", err)
	}
	if version.SourceID != source.ID || version.ChangeReason != "native import" {
		t.Fatalf("version = %+v", version)
	}
}

func TestImportOutranksGeneratedAudio(t *testing.T) {
	importer, store, _ := newTestImporter(t)
	ctx := context.Background()
	seedUnit(t, store, "sh")

	generated := &catalog.AudioSource{
		UnitKey:  "sh",
		Tier:     catalog.TierSynthesized,
		VoiceID:  "us-female-1",
		Language: "en-US",
		FileRef:  "generated/sh/synthesized-us-female-1.mp3",
		MimeType: "audio/mpeg",
	}
	if err := store.UpsertSource(ctx, generated); err != nil {
		t.Fatalf("seed generated source: %v", err)
	}
	if _, err := store.ActivateVersion(ctx, "sh", generated.ID, "generated"); err != nil {
		t.Fatalf("seed version: %v", err)
	}

	archive := buildZip(t, map[string][]byte{"sh.wav": []byte("studio-take")})
	if _, err := importer.ImportArchive(ctx, uploadHeader(t, "studio.zip", archive)); err != nil {
		t.Fatalf("import: %v", err)
	}

	source, ok, err := store.PreferredSource(ctx, "sh", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("preferred source: ok=%v err=%v", ok, err)
	}
	if source.Tier != catalog.TierNative {
		t.Fatalf("preferred tier = %s, want native after import", source.Tier)
	}
}

func TestImportRejectsTraversalEntries(t *testing.T) {
	importer, store, _ := newTestImporter(t)
	seedUnit(t, store, "th")

	archive := buildZip(t, map[string][]byte{"../evil.mp3": []byte("x")})
	if _, err := importer.ImportArchive(context.Background(), uploadHeader(t, "studio.zip", archive)); err == nil {
		t.Fatal("traversal entry must abort the import")
	}
}

func TestImportRejectsUnknownFormat(t *testing.T) {
	importer, _, _ := newTestImporter(t)

	_, err := importer.ImportArchive(context.Background(), uploadHeader(t, "readme.txt", []byte("plain text")))
	if err == nil {
		t.Fatal("non-archive upload must be rejected")
	}
}

func TestImportDetectsZipByMagicBytes(t *testing.T) {
	importer, store, _ := newTestImporter(t)
	seedUnit(t, store, "ng")

	archive := buildZip(t, map[string][]byte{"ng.mp3": []byte("recording")})
	report, err := importer.ImportArchive(context.Background(), uploadHeader(t, "upload.bin", archive))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(report.Imported) != 1 {
		t.Fatalf("imported = %v", report.Imported)
	}
}
