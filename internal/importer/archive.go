package importer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/labelflow/relabel/internal/store"
	"github.com/labelflow/relabel/internal/upload"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// trackingNoPattern is the expected shape of a tracking number derived
// from a ZIP entry's base filename. Carriers use alphanumerics with
// occasional dashes or underscores.
var trackingNoPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{3,63}$`)

// runArchive executes a PDF archive import job. Each ZIP entry is parsed
// into a candidate tracking number from its filename, validated as a PDF,
// written to the permanent label directory and upserted into the file
// catalog. Entries that fail any step are row errors; the batch
// continues. After all entries are processed the consumed archive is
// moved into the dated zip archive directory for print clients to fetch.
func (s *Service) runArchive(ctx context.Context, job *Job, u *upload.Upload) {
	job.setPhase(PhaseValidating)

	zr, err := zip.OpenReader(u.Path)
	if err != nil {
		job.fail(fmt.Sprintf("opening archive: %v", err))
		return
	}

	// Directories carry no payload; total counts real entries only so
	// processed == total holds at completion.
	var entries []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, f)
	}

	job.setTotal(len(entries))
	job.setPhase(PhaseMatching)
	job.setPhase(PhaseCommitting)

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	for i, entry := range entries {
		line := i + 1

		trackingNo, reason := matchEntry(entry.Name)
		if reason != "" {
			job.addRowError(line, reason)
			job.advance()
			continue
		}

		data, err := readZipEntry(entry)
		if err != nil {
			job.addRowError(line, fmt.Sprintf("reading entry: %v", err))
			job.advance()
			continue
		}

		if err := api.Validate(bytes.NewReader(data), conf); err != nil {
			job.addRowError(line, fmt.Sprintf("not a valid PDF: %v", err))
			job.advance()
			continue
		}

		dest := filepath.Join(s.pdfDir, trackingNo+".pdf")
		if err := writeFileAtomic(dest, data); err != nil {
			job.fail(fmt.Sprintf("entry %d: storage failure: %v", line, err))
			zr.Close()
			return
		}

		sum := sha256.Sum256(data)
		err = s.catalog.UpsertLabelFile(ctx, store.LabelFile{
			TrackingNo:  trackingNo,
			Path:        dest,
			SizeBytes:   int64(len(data)),
			ContentHash: hex.EncodeToString(sum[:]),
		})
		if err != nil {
			job.fail(fmt.Sprintf("entry %d: storage failure: %v", line, err))
			zr.Close()
			return
		}
		job.advance()
	}
	zr.Close()

	if err := s.archiveZip(u.Path); err != nil {
		// The labels are committed; losing the archive copy only means
		// clients cannot bulk-fetch this batch. Not fatal.
		slog.Warn("failed to archive applied zip", "job_id", job.ID, "error", err)
	}

	s.rebuildSnapshot(ctx, job)
	s.uploads.Remove(u.Token)
	job.finish()
}

// matchEntry derives a tracking number from a ZIP entry name.
// Returns a non-empty reason when the entry cannot be matched.
func matchEntry(name string) (trackingNo, reason string) {
	base := filepath.Base(filepath.ToSlash(name))
	ext := filepath.Ext(base)
	if !strings.EqualFold(ext, ".pdf") {
		return "", fmt.Sprintf("entry %q is not a PDF", name)
	}
	trackingNo = strings.TrimSuffix(base, ext)
	if !trackingNoPattern.MatchString(trackingNo) {
		return "", fmt.Sprintf("entry %q does not look like a tracking number", name)
	}
	return trackingNo, ""
}

func readZipEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// writeFileAtomic writes data to path via a temp file and rename, so a
// reader never observes a partially written label.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".label-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// archiveZip moves the consumed upload into the dated archive directory.
// A same-day re-import overwrites that day's archive, matching the
// content-replace semantics of label files themselves.
func (s *Service) archiveZip(srcPath string) error {
	if err := os.MkdirAll(s.zipDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(s.zipDir, fmt.Sprintf("pdfs-%s.zip", time.Now().UTC().Format("20060102")))
	if err := os.Rename(srcPath, dest); err != nil {
		return copyAndRemove(srcPath, dest)
	}
	return nil
}

// copyAndRemove is the cross-device fallback for archiveZip.
func copyAndRemove(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
