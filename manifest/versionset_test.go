package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/wal"
)

func TestInstallEditPublishesNewVersion(t *testing.T) {
	dir := t.TempDir()
	vs, err := Recover(Options{Dir: dir})
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.InstallEdit(NewStreamAdd(1)))
	require.NoError(t, vs.InstallEdit(NewFileAdd(7)))
	require.NoError(t, vs.TruncateStream(1, wal.Sequence{Epoch: 1, Index: 5}, []string{"r1", "r2"}))

	v, release := vs.Current()
	defer release()

	require.Contains(t, v.LiveFiles(), uint64(7))
	meta, ok := v.StreamMeta(1)
	require.True(t, ok)
	require.Equal(t, wal.Sequence{Epoch: 1, Index: 5}, meta.TruncationWatermark)
	require.Equal(t, []string{"r1", "r2"}, meta.Replicas)
}

func TestRecoverReplaysManifestAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	vs, err := Recover(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, vs.InstallEdit(NewStreamAdd(42)))
	require.NoError(t, vs.InstallEdit(NewFileAdd(3)))
	require.NoError(t, vs.Close())

	vs2, err := Recover(Options{Dir: dir})
	require.NoError(t, err)
	defer vs2.Close()

	v, release := vs2.Current()
	defer release()
	_, ok := v.StreamMeta(42)
	require.True(t, ok)
	require.Contains(t, v.LiveFiles(), uint64(3))
}

func TestRotateThenInstallEditSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	vs, err := Recover(Options{Dir: dir})
	require.NoError(t, err)

	require.NoError(t, vs.InstallEdit(NewFileAdd(1)))
	require.NoError(t, vs.Rotate())
	require.NoError(t, vs.InstallEdit(NewFileAdd(2)))
	require.NoError(t, vs.Close())

	vs2, err := Recover(Options{Dir: dir})
	require.NoError(t, err)
	defer vs2.Close()

	v, release := vs2.Current()
	defer release()
	require.ElementsMatch(t, []uint64{1, 2}, v.LiveFiles())
}

func TestReleaseFilesCalledAfterGracePeriod(t *testing.T) {
	dir := t.TempDir()
	var released []uint64
	vs, err := Recover(Options{Dir: dir, ReleaseFiles: func(fns []uint64) error {
		released = append(released, fns...)
		return nil
	}})
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.InstallEdit(NewFileAdd(9)))
	v, release := vs.Current()

	require.NoError(t, vs.InstallEdit(NewFileDelete(9)))
	require.Empty(t, released, "file must not be released while a reader still pins the old version")

	release()
	require.Equal(t, []uint64{9}, released)
	_ = v
}
