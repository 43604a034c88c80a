package intake

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file exceeds maximum upload size")
	ErrUnsupportedType = errors.New("unsupported file type: only .xlsx and .xls spreadsheets are accepted")
)

var (
	zipMagic = []byte{'P', 'K', 0x03, 0x04}
	cfbMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
)

// Rules bounds what the intake accepts.
type Rules struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// CheckName rejects names whose extension is not an accepted spreadsheet type.
func (r Rules) CheckName(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ErrUnsupportedType
	}
	allowed := r.AllowedExtensions
	if len(allowed) == 0 {
		allowed = []string{".xlsx", ".xls"}
	}
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return nil
		}
	}
	return ErrUnsupportedType
}

// CheckHeader compares the leading bytes of a file with the signature its
// extension promises.
func CheckHeader(name string, head []byte) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		if bytes.HasPrefix(head, zipMagic) {
			return nil
		}
	case ".xls":
		if bytes.HasPrefix(head, cfbMagic) {
			return nil
		}
	}
	return ErrUnsupportedType
}

// SavedFile describes a spreadsheet persisted under the upload directory.
type SavedFile struct {
	Name     string
	Path     string
	Size     int64
	Checksum string
}

// Save streams body into dir/name without ever holding more than one buffer
// in memory. The file is removed again if any check fails.
func (r Rules) Save(body io.Reader, dir, name string) (SavedFile, error) {
	name = SanitizeName(name)
	if err := r.CheckName(name); err != nil {
		return SavedFile{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedFile{}, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return SavedFile{}, fmt.Errorf("create upload file: %w", err)
	}

	fail := func(err error) (SavedFile, error) {
		f.Close()
		os.Remove(path)
		return SavedFile{}, err
	}

	hash := sha256.New()
	var head []byte
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if r.MaxBytes > 0 && written > r.MaxBytes {
				return fail(fmt.Errorf("%w (%d bytes)", ErrFileTooLarge, r.MaxBytes))
			}
			if len(head) < len(cfbMagic) {
				need := len(cfbMagic) - len(head)
				if need > n {
					need = n
				}
				head = append(head, buf[:need]...)
			}
			hash.Write(buf[:n])
			if _, err := f.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write upload file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read upload: %w", readErr))
		}
	}
	if written == 0 {
		return fail(ErrEmptyFile)
	}
	if err := CheckHeader(name, head); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return SavedFile{}, fmt.Errorf("close upload file: %w", err)
	}
	return SavedFile{
		Name:     name,
		Path:     path,
		Size:     written,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// SanitizeName keeps only the base name of a client supplied file name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "upload.xlsx"
	}
	return name
}
