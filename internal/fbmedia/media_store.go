// Package fbmedia owns the uploads directory. It writes uploaded images under
// collision-resistant names, deletes them, and lists what's on disk so that
// unreferenced files can be reconciled away.
package fbmedia

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/xerrors"

	"github.com/brandur/fadeboard/internal/fbstore"
	"github.com/brandur/fadeboard/internal/util/randutil"
	"github.com/brandur/fadeboard/internal/util/stringutil"
)

const (
	DefaultMaxBytes     = 5 * 1024 * 1024
	DefaultPublicPrefix = "/uploads"

	// Used when an upload's original filename doesn't carry a recognized image
	// extension.
	genericExtension = ".bin"

	tempPrefix = ".upload-"
)

// Image types that may be stored. Stores start from a copy of this list.
var baseAllowedMIMETypes = map[string]struct{}{
	"image/gif":  {},
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

var recognizedExtensions = map[string]struct{}{
	".gif":  {},
	".jpeg": {},
	".jpg":  {},
	".png":  {},
	".webp": {},
}

// RejectedError is returned when an upload can't be accepted. Nothing is ever
// left on disk for a rejected upload.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// Upload is an image received by the transport layer.
type Upload struct {
	Data     io.Reader
	Filename string
	MIMEType string
}

type Store struct {
	allowedMIMETypes map[string]struct{}
	dir              string
	logger           *logrus.Logger
	maxBytes         int64
	name             string
	publicPrefix     string
	timeNow          func() time.Time
}

func NewStore(logger *logrus.Logger, dir, publicPrefix string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("error creating media directory %q: %w", dir, err)
	}

	if publicPrefix == "" {
		publicPrefix = DefaultPublicPrefix
	}

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &Store{
		allowedMIMETypes: maps.Clone(baseAllowedMIMETypes),
		dir:              dir,
		logger:           logger,
		maxBytes:         maxBytes,
		name:             reflect.TypeOf(Store{}).Name(),
		publicPrefix:     publicPrefix,
		timeNow:          time.Now,
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// Put validates and writes an upload, returning a reference to it. The file is
// written under a temporary name and renamed into place once complete.
func (s *Store) Put(ctx context.Context, upload *Upload) (*fbstore.MediaRef, error) {
	declared := normalizeMIMEType(upload.MIMEType)
	if _, ok := s.allowedMIMETypes[declared]; !ok {
		return nil, &RejectedError{fmt.Sprintf("File type %q is not allowed. Upload a PNG, JPEG, WebP, or GIF image.", upload.MIMEType)} //nolint:lll
	}

	data, err := io.ReadAll(io.LimitReader(upload.Data, s.maxBytes+1))
	if err != nil {
		return nil, xerrors.Errorf("error reading upload: %w", err)
	}

	if len(data) == 0 {
		return nil, &RejectedError{"Uploaded file is empty."}
	}

	if int64(len(data)) > s.maxBytes {
		return nil, &RejectedError{fmt.Sprintf("File is larger than the maximum allowed size of %d bytes.", s.maxBytes)}
	}

	// The declared type comes from the client, so check the bytes too.
	sniffed := mimetype.Detect(data)
	if !s.isAllowed(sniffed) {
		return nil, &RejectedError{fmt.Sprintf("File content (%s) is not an allowed image type.", sniffed.String())}
	}

	name := s.generateName(upload.Filename)
	if err := s.write(name, data); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"media_name":        name,
		"mime_type":         sniffed.String(),
		"original_filename": stringutil.SampleLong(upload.Filename),
		"size":              len(data),
	}).Debugf(s.name+": Stored %s", name)

	return &fbstore.MediaRef{
		URL:  path.Join(s.publicPrefix, name),
		Path: name,
	}, nil
}

// Delete removes a stored file. Deleting a file that doesn't exist is not an
// error.
func (s *Store) Delete(ctx context.Context, name string) error {
	fullPath, err := s.pathFor(name)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Errorf("error deleting media %q: %w", name, err)
	}

	return nil
}

// List returns every stored file in the uploads directory along with its last
// modification time. Uploads still being written under a temporary name are
// left out.
func (s *Store) List(ctx context.Context) ([]fbstore.MediaFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Errorf("error listing media directory %q: %w", s.dir, err)
	}

	files := make([]fbstore.MediaFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Deleted between the directory read and now.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, xerrors.Errorf("error reading media info for %q: %w", entry.Name(), err)
		}

		files = append(files, fbstore.MediaFile{Name: entry.Name(), ModTime: info.ModTime()})
	}

	return files, nil
}

// AgeOf returns how long ago a stored file was last modified.
func (s *Store) AgeOf(name string) (time.Duration, error) {
	fullPath, err := s.pathFor(name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return 0, xerrors.Errorf("error reading media info for %q: %w", name, err)
	}

	return s.timeNow().Sub(info.ModTime()), nil
}

// Names look like `1792318272000-9f86d081884c7d65.png`: a millisecond timestamp
// followed by a random suffix.
func (s *Store) generateName(originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if _, ok := recognizedExtensions[ext]; !ok {
		ext = genericExtension
	}

	return fmt.Sprintf("%d-%s%s", s.timeNow().UnixMilli(), randutil.Hex(8), ext)
}

func (s *Store) isAllowed(sniffed *mimetype.MIME) bool {
	for mimeType := range s.allowedMIMETypes {
		if sniffed.Is(mimeType) {
			return true
		}
	}
	return false
}

// Only bare file names inside the uploads directory are accepted so that a
// tampered reference can't point anywhere else.
func (s *Store) pathFor(name string) (string, error) {
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return "", xerrors.Errorf("invalid media name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Store) write(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return xerrors.Errorf("error creating media file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("error writing media file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return xerrors.Errorf("error syncing media file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return xerrors.Errorf("error closing media file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return xerrors.Errorf("error moving media file into place: %w", err)
	}

	return nil
}

func normalizeMIMEType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}
