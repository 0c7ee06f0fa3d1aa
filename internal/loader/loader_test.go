package loader

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zarubaf/loom-sub000/internal/dpi"
	"github.com/zarubaf/loom-sub000/internal/hostctx"
	"github.com/zarubaf/loom-sub000/internal/logging"
	"github.com/zarubaf/loom-sub000/internal/transport"
	"github.com/zarubaf/loom-sub000/internal/wire"
)

func TestResolveUserLibAbsolute(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "whatever.so")
	require.NoError(t, os.WriteFile(abs, nil, 0o644))

	got, err := resolveUserLib(abs)
	require.NoError(t, err)
	assert.Equal(t, abs, got)
}

func TestResolveUserLibSearchOrder(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	require.NoError(t, os.WriteFile("libuser.so", nil, 0o644))
	got, err := resolveUserLib("user")
	require.NoError(t, err)
	assert.Equal(t, "libuser.so", got)
}

func TestResolveUserLibNotFound(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	_, err = resolveUserLib("nope")
	assert.Error(t, err)
}

func TestNewTransportSelectsVariant(t *testing.T) {
	tr, err := NewTransport("socket", nil)
	require.NoError(t, err)
	_, ok := tr.(*transport.Stream)
	assert.True(t, ok)

	tr, err = NewTransport("xdma", nil)
	require.NoError(t, err)
	_, ok = tr.(*transport.MemMap)
	assert.True(t, ok)

	_, err = NewTransport("bogus", nil)
	assert.Error(t, err)
}

func TestDefaultEndpointIncludesPid(t *testing.T) {
	ep := DefaultEndpoint()
	assert.Contains(t, ep, "/tmp/loom_")
	assert.Contains(t, ep, ".sock")
}

func TestSplitVersion(t *testing.T) {
	major, minor := splitVersion(0x0002_0007)
	assert.Equal(t, uint32(2), major)
	assert.Equal(t, uint32(7), minor)
}

func TestVerifyManifestWarnsOnHashMismatch(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf})

	m := &wire.Manifest{DesignHash: "aa", ShellVersionHex: 0x00010000}
	info := hostctx.DesignInfo{DesignHashHex: "bb", ShellVer: 0x00010000}

	VerifyManifest(m, info, logger)
	assert.Contains(t, buf.String(), "design hash mismatch")
}

func TestVerifyManifestWarnsOnMajorMismatch(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf})

	m := &wire.Manifest{DesignHash: "aa", ShellVersionHex: 0x00010000}
	info := hostctx.DesignInfo{DesignHashHex: "aa", ShellVer: 0x00020000}

	VerifyManifest(m, info, logger)
	assert.Contains(t, buf.String(), "shell version major mismatch")
}

func TestLoadDpiTableMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	table, err := LoadDpiTable(dir)
	require.NoError(t, err)
	assert.Nil(t, table)
}

func TestLoadDpiTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &wire.DpiTable{Entries: []wire.DpiInitCall{
		{FuncID: 0, Name: "add", NArgs: 2, RetWidth: 32},
		{FuncID: 1, Name: "echo", NArgs: 1, RetWidth: 32, OutArgWords: 1},
	}}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dpi_table.bin"), wire.EncodeDpiTable(want), 0o644))

	got, err := LoadDpiTable(dir)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Entries, got.Entries)
}

func TestCrossCheckDispatchTableWarnsOnMismatches(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf})

	entries := []*dpi.Func{
		{FuncID: 0, Name: "add", NArgs: 2},
		{FuncID: 2, Name: "extra", NArgs: 0},
	}
	table := &wire.DpiTable{Entries: []wire.DpiInitCall{
		{FuncID: 0, Name: "add", NArgs: 3},        // arg count mismatch
		{FuncID: 1, Name: "missing_in_image"},     // declared but not resolved
	}}

	CrossCheckDispatchTable(entries, table, logger)
	out := buf.String()
	assert.Contains(t, out, "arg count mismatch")
	assert.Contains(t, out, "does not export")
	assert.Contains(t, out, "does not declare")
}

func TestCrossCheckDispatchTableSilentOnMatch(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf})

	entries := []*dpi.Func{{FuncID: 0, Name: "add", NArgs: 2, CallAtInit: false}}
	table := &wire.DpiTable{Entries: []wire.DpiInitCall{{FuncID: 0, Name: "add", NArgs: 2, CallAtInit: false}}}

	CrossCheckDispatchTable(entries, table, logger)
	assert.Empty(t, buf.String())
}

func TestCrossCheckDispatchTableNilIsNoOp(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf})
	CrossCheckDispatchTable(nil, nil, logger)
	assert.Empty(t, buf.String())
}

func TestVerifyManifestSilentOnMatch(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelDebug, Output: &buf})

	m := &wire.Manifest{DesignHash: "aa", ShellVersionHex: 0x00010005}
	info := hostctx.DesignInfo{DesignHashHex: "aa", ShellVer: 0x00010003}

	VerifyManifest(m, info, logger)
	assert.Empty(t, buf.String())
}
