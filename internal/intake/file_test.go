package intake

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckName(t *testing.T) {
	r := Rules{}
	assert.NoError(t, r.CheckName("members.xlsx"))
	assert.NoError(t, r.CheckName("MEMBERS.XLS"))
	assert.ErrorIs(t, r.CheckName("members.csv"), ErrUnsupportedType)
	assert.ErrorIs(t, r.CheckName("members"), ErrUnsupportedType)

	strict := Rules{AllowedExtensions: []string{".xlsx"}}
	assert.ErrorIs(t, strict.CheckName("members.xls"), ErrUnsupportedType)
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	data := buildWorkbook(t, "Sheet1", [][]any{{"ID Number"}, {"8001015009087"}})

	saved, err := Rules{MaxBytes: 1 << 20}.Save(bytes.NewReader(data), dir, "../../etc/members.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "members.xlsx", saved.Name)
	assert.Equal(t, filepath.Join(dir, "members.xlsx"), saved.Path)
	assert.Equal(t, int64(len(data)), saved.Size)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), saved.Checksum)

	onDisk, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
}

func TestSaveRejections(t *testing.T) {
	dir := t.TempDir()
	rules := Rules{MaxBytes: 1024}

	_, err := rules.Save(bytes.NewReader(nil), dir, "empty.xlsx")
	assert.ErrorIs(t, err, ErrEmptyFile)

	big := append([]byte{'P', 'K', 3, 4}, bytes.Repeat([]byte{0}, 4096)...)
	_, err = rules.Save(bytes.NewReader(big), dir, "big.xlsx")
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, err = rules.Save(strings.NewReader("id,name\n1,a\n"), dir, "renamed.xlsx")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = rules.Save(strings.NewReader("id,name\n"), dir, "members.csv")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected uploads must not be left on disk")
}
