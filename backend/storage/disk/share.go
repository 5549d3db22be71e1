// Package disk keeps uploaded files in the share directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxUploadSize = 50 * 1024 * 1024

	tempPrefix = ".upload-"
	maxNameLen = 255
	dirPerm    = 0o755
	filePerm   = 0o644
)

var (
	ErrUploadTooLarge = errors.New("upload is too large")
	ErrInvalidName    = errors.New("invalid file name")
	ErrExists         = errors.New("file already exists")
	ErrStorage        = errors.New("storage failure")
)

type Config struct {
	Logger        *zerolog.Logger
	Root          string
	MaxUploadSize int64
}

// ShareDir is a directory of shared files. Uploads are flat and
// all-or-nothing: data lands in a temp file which is linked into place
// once complete, never replacing an existing file.
type ShareDir struct {
	logger        zerolog.Logger
	root          string
	maxUploadSize int64
}

// NewShareDir creates the directory if it does not exist.
func NewShareDir(cfg Config) (*ShareDir, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: empty share directory", ErrStorage)
	}
	if err := os.MkdirAll(cfg.Root, dirPerm); err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &ShareDir{
		logger:        cfg.Logger.With().Str("component", "share-dir").Logger(),
		root:          cfg.Root,
		maxUploadSize: maxSize,
	}, nil
}

func (sd *ShareDir) Root() string {
	return sd.root
}

func (sd *ShareDir) MaxUploadSize() int64 {
	return sd.maxUploadSize
}

// ValidateName rejects anything that is not a plain file name inside
// the share directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..", len(name) > maxNameLen:
		return ErrInvalidName
	case strings.ContainsAny(name, `/\`+"\x00"):
		return ErrInvalidName
	case strings.HasPrefix(name, tempPrefix):
		return ErrInvalidName
	case filepath.Base(name) != name:
		return ErrInvalidName
	}
	return nil
}

// Path returns location of the named file.
func (sd *ShareDir) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(sd.root, name), nil
}

// List returns regular files sorted by name.
func (sd *ShareDir) List() ([]string, error) {
	entries, err := os.ReadDir(sd.root)
	if err != nil {
		return nil, errors.Join(ErrStorage, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// Save streams exactly size bytes from r into the named file.
// Oversized uploads are rejected before anything is written.
// Errors from r are wrapped and returned, a failed save leaves nothing
// in the directory.
func (sd *ShareDir) Save(ctx context.Context, name string, size int64, r io.Reader) error {
	if size > sd.maxUploadSize {
		return fmt.Errorf("%w: %d > %d", ErrUploadTooLarge, size, sd.maxUploadSize)
	}
	dst, err := sd.Path(name)
	if err != nil {
		return err
	}
	if _, err = os.Lstat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	tmpPath := filepath.Join(sd.root, tempPrefix+uuid.NewString())
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return errors.Join(ErrStorage, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if errC := tmp.Close(); errC != nil && !errors.Is(errC, os.ErrClosed) {
			sd.logger.Debug().Err(errC).Str("path", tmpPath).Msg("failed to close temp file")
		}
		if errR := os.Remove(tmpPath); errR != nil {
			sd.logger.Error().Err(errR).Str("path", tmpPath).Msg("failed to remove temp file")
		}
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: io.LimitReader(r, size)})
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if written != size {
		return fmt.Errorf("write %s: %w: %d of %d bytes", name, io.ErrUnexpectedEOF, written, size)
	}
	if err = tmp.Sync(); err != nil {
		return errors.Join(ErrStorage, err)
	}
	if err = tmp.Close(); err != nil {
		return errors.Join(ErrStorage, err)
	}
	// Link fails if dst appeared meanwhile, unlike rename.
	if err = os.Link(tmpPath, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, name)
		}
		return errors.Join(ErrStorage, err)
	}
	committed = true
	if err = os.Remove(tmpPath); err != nil {
		sd.logger.Error().Err(err).Str("path", tmpPath).Msg("failed to remove temp file")
	}

	sd.logger.Debug().
		Str("name", name).
		Int64("size", size).
		Msg("file stored")
	return nil
}

// Open opens a file for reading. rel is a slash separated path relative
// to the share directory and may point into subdirectories.
func (sd *ShareDir) Open(rel string) (*os.File, error) {
	p := filepath.FromSlash(rel)
	switch {
	case !filepath.IsLocal(p), strings.Contains(p, "\x00"),
		strings.HasPrefix(filepath.Base(p), tempPrefix):
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, rel)
	}
	return os.Open(filepath.Join(sd.root, p))
}

func (sd *ShareDir) Remove(name string) error {
	p, err := sd.Path(name)
	if err != nil {
		return err
	}
	if err = os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Join(ErrStorage, err)
	}
	return nil
}

// ctxReader stops a long copy once the owning session is gone.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
