//go:build linux

package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestV1Backend(t *testing.T) *V1Backend {
	t.Helper()
	return &V1Backend{
		basePath:     t.TempDir(),
		nextClassid:  1,
		classidByPID: make(map[int]uint32),
	}
}

func TestV1Backend_CreateAndRemoveCgroup(t *testing.T) {
	b := newTestV1Backend(t)

	h, err := b.CreateCgroup(1234, "limit")
	require.NoError(t, err)
	assert.Equal(t, 1234, h.PID)
	assert.Equal(t, "1:1", h.Filter)
	assert.Equal(t, BackendV1, h.Type)

	raw, err := os.ReadFile(filepath.Join(h.Path, "net_cls.classid"))
	require.NoError(t, err)
	assert.Equal(t, "65537", string(raw)) // 0x10001

	raw, err = os.ReadFile(filepath.Join(h.Path, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "1234", string(raw))

	assert.Equal(t, "classid 1:1", b.GetFilterExpression(h))

	require.NoError(t, b.RemoveCgroup(h))
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestV1Backend_ClassidAllocationIsMonotonicPerPID(t *testing.T) {
	b := newTestV1Backend(t)

	h1, err := b.CreateCgroup(1, "a")
	require.NoError(t, err)
	h2, err := b.CreateCgroup(2, "b")
	require.NoError(t, err)
	assert.Equal(t, "1:1", h1.Filter)
	assert.Equal(t, "1:2", h2.Filter)

	// Same PID reuses its classid rather than allocating a new one.
	h1Again, err := b.CreateCgroup(1, "a")
	require.NoError(t, err)
	assert.Equal(t, h1.Filter, h1Again.Filter)
}

func TestV1Backend_ListActiveCgroups(t *testing.T) {
	b := newTestV1Backend(t)
	_, err := b.CreateCgroup(10, "x")
	require.NoError(t, err)
	_, err = b.CreateCgroup(20, "y")
	require.NoError(t, err)

	handles, err := b.ListActiveCgroups()
	require.NoError(t, err)
	assert.Len(t, handles, 2)
}

func TestV1Backend_ListActiveCgroups_MissingDir(t *testing.T) {
	b := &V1Backend{basePath: filepath.Join(t.TempDir(), "does-not-exist")}
	handles, err := b.ListActiveCgroups()
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func newTestV2Backend(t *testing.T) *V2Backend {
	t.Helper()
	return &V2Backend{basePath: t.TempDir(), kind: BackendV2Ebpf}
}

func TestV2Backend_CreateAndRemoveCgroup(t *testing.T) {
	b := newTestV2Backend(t)

	h, err := b.CreateCgroup(5555, "")
	require.NoError(t, err)
	assert.Equal(t, 5555, h.PID)
	assert.Equal(t, h.Path, h.Filter)
	assert.Equal(t, BackendV2Ebpf, h.Type)

	raw, err := os.ReadFile(filepath.Join(h.Path, "cgroup.procs"))
	require.NoError(t, err)
	assert.Equal(t, "5555", string(raw))

	assert.Contains(t, b.GetFilterExpression(h), "socket cgroupv2 level 0")

	require.NoError(t, b.RemoveCgroup(h))
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestV2Backend_ListActiveCgroups(t *testing.T) {
	b := newTestV2Backend(t)
	_, err := b.CreateCgroup(1, "")
	require.NoError(t, err)
	_, err = b.CreateCgroup(2, "")
	require.NoError(t, err)

	handles, err := b.ListActiveCgroups()
	require.NoError(t, err)
	assert.Len(t, handles, 2)
}

func TestClassidHexAndTCFormat(t *testing.T) {
	assert.Equal(t, uint32(0x10001), classidHex(1))
	assert.Equal(t, "1:1", classidTC(1))
	assert.Equal(t, "1:42", classidTC(42))
}
