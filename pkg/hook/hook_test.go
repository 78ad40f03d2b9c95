package hook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptRunExpandsParamsAndExecutes(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	s := NewScript("echo -n %f > " + out)
	require.NoError(t, s.Run(map[string]string{"f": "hello-world", "ignored-multichar": "nope"}))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello-world", string(got))
}

func TestScriptExpandLeavesUnknownPlaceholderLiteral(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	s := NewScript("echo -n %z > " + out)
	require.NoError(t, s.Do())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "z", string(got))
}

func TestNewSuIsNoOpForNonRoot(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("test assumes a non-root real uid")
	}
	su := NewSu()
	su.Release()
}

func TestDropPrivilegesRejectsUnknownUser(t *testing.T) {
	_, _, err := DropPrivileges("no-such-user-really")
	assert.Error(t, err)
}

func TestNewSliceScriptExpandsSliceFields(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	h := NewSliceScript("echo -n %p/%f:%b:%n:%e:%c > " + out)
	require.NoError(t, h(filepath.Join(dir, "archive.part3"), "operation"))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, dir+"/archive.part3:archive:3:.part:operation", string(got))
}

func TestNewSliceScriptHandlesUnpartedSlice(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	h := NewSliceScript("echo -n %b:%n:%e > " + out)
	require.NoError(t, h(filepath.Join(dir, "archive"), "init"))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "archive::", string(got))
}
