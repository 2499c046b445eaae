package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
)

// minimalPDF builds the smallest well-formed PDF: one empty page with a
// correct xref table, enough to pass relaxed validation.
func minimalPDF() []byte {
	return buildPDF("")
}

// buildPDF assembles a one-page PDF, optionally embedding a comment so
// two fixtures can carry different bytes while both staying valid.
func buildPDF(comment string) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	if comment != "" {
		buf.WriteString(comment)
	}

	objects := []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n",
	}
	offsets := make([]int, 0, len(objects))
	for _, obj := range objects {
		offsets = append(offsets, buf.Len())
		buf.WriteString(obj)
	}

	xrefPos := buf.Len()
	buf.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefPos)
	return buf.Bytes()
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func (c *fakeCatalog) labelFile(trackingNo string) (store.LabelFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[trackingNo]
	return f, ok
}

func TestArchiveApply(t *testing.T) {
	catalog := newFakeCatalog()
	rebuilder := &fakeRebuilder{}
	svc, uploads := newTestService(t, catalog, rebuilder)

	pdf := minimalPDF()
	zipData := buildZip(t, map[string][]byte{
		"TRACK12345.pdf":        pdf,
		"nested/TRACK67890.pdf": pdf,
		"BROKEN1234.pdf":        []byte("not a pdf at all"),
		"notes.txt":             []byte("readme"),
	})

	u, err := uploads.Put(bytes.NewReader(zipData), "labels.zip", upload.KindPDFArchive)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	job, err := svc.StartPDFArchive(context.Background(), u.Token)
	if err != nil {
		t.Fatalf("StartPDFArchive: %v", err)
	}
	waitDone(t, job)

	if got := job.Phase(); got != PhaseDone {
		t.Fatalf("phase = %s, want done; errors %v", got, job.Errors())
	}
	processed, total := job.Progress()
	if processed != 4 || total != 4 {
		t.Errorf("progress = %d/%d, want 4/4", processed, total)
	}

	// The corrupt PDF and the txt entry are row errors, not job failures.
	if errs := job.Errors(); len(errs) != 2 {
		t.Errorf("row errors = %v, want 2", errs)
	}

	sum := sha256.Sum256(pdf)
	wantHash := hex.EncodeToString(sum[:])
	for _, trackingNo := range []string{"TRACK12345", "TRACK67890"} {
		f, ok := catalog.labelFile(trackingNo)
		if !ok {
			t.Errorf("label file %s not committed", trackingNo)
			continue
		}
		if f.ContentHash != wantHash {
			t.Errorf("%s hash = %s, want %s", trackingNo, f.ContentHash, wantHash)
		}
		if f.SizeBytes != int64(len(pdf)) {
			t.Errorf("%s size = %d, want %d", trackingNo, f.SizeBytes, len(pdf))
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			t.Errorf("reading stored %s: %v", trackingNo, err)
			continue
		}
		if !bytes.Equal(data, pdf) {
			t.Errorf("%s stored bytes differ from source", trackingNo)
		}
	}

	if _, ok := catalog.labelFile("BROKEN1234"); ok {
		t.Error("corrupt PDF must not be committed")
	}

	if rebuilder.callCount() != 1 {
		t.Errorf("rebuild calls = %d, want 1", rebuilder.callCount())
	}

	// The consumed archive lands in the dated zip directory.
	wantZip := filepath.Join(svc.zipDir, fmt.Sprintf("pdfs-%s.zip", time.Now().UTC().Format("20060102")))
	if _, err := os.Stat(wantZip); err != nil {
		t.Errorf("archived zip missing: %v", err)
	}
}

func TestArchiveApplyNotAZip(t *testing.T) {
	svc, uploads := newTestService(t, newFakeCatalog(), &fakeRebuilder{})

	u, err := uploads.Put(bytes.NewReader([]byte("plainly not a zip")), "labels.zip", upload.KindPDFArchive)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	job, err := svc.StartPDFArchive(context.Background(), u.Token)
	if err != nil {
		t.Fatalf("StartPDFArchive: %v", err)
	}
	waitDone(t, job)

	if got := job.Phase(); got != PhaseError {
		t.Errorf("phase = %s, want error for unreadable archive", got)
	}
}

func TestArchiveReimportReplacesContent(t *testing.T) {
	catalog := newFakeCatalog()
	svc, uploads := newTestService(t, catalog, &fakeRebuilder{})

	apply := func(data []byte) {
		t.Helper()
		u, err := uploads.Put(bytes.NewReader(buildZip(t, map[string][]byte{"TRACK12345.pdf": data})), "labels.zip", upload.KindPDFArchive)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		job, err := svc.StartPDFArchive(context.Background(), u.Token)
		if err != nil {
			t.Fatalf("StartPDFArchive: %v", err)
		}
		waitDone(t, job)
		if got := job.Phase(); got != PhaseDone {
			t.Fatalf("phase = %s, want done; errors %v", got, job.Errors())
		}
	}

	first := minimalPDF()
	apply(first)

	// Second archive carries different bytes for the same tracking number.
	second := buildPDF("% revision two\n")
	apply(second)

	f, ok := catalog.labelFile("TRACK12345")
	if !ok {
		t.Fatal("label file missing after re-import")
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if !bytes.Equal(data, second) {
		t.Error("re-import must replace stored content")
	}
}

func TestMatchEntry(t *testing.T) {
	tests := []struct {
		name       string
		entry      string
		wantTrack  string
		wantReject bool
	}{
		{"plain", "TRACK12345.pdf", "TRACK12345", false},
		{"nested path", "batch1/TRACK12345.pdf", "TRACK12345", false},
		{"uppercase ext", "TRACK12345.PDF", "TRACK12345", false},
		{"dashes", "JD-0001-XYZ.pdf", "JD-0001-XYZ", false},
		{"not a pdf", "notes.txt", "", true},
		{"too short", "ab.pdf", "", true},
		{"illegal chars", "bad name!.pdf", "", true},
		{"leading dash", "-TRACK123.pdf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := matchEntry(tt.entry)
			if tt.wantReject {
				if reason == "" {
					t.Errorf("matchEntry(%q) accepted, want reject", tt.entry)
				}
				return
			}
			if reason != "" {
				t.Fatalf("matchEntry(%q) rejected: %s", tt.entry, reason)
			}
			if got != tt.wantTrack {
				t.Errorf("matchEntry(%q) = %q, want %q", tt.entry, got, tt.wantTrack)
			}
		})
	}
}
