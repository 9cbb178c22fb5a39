package infra

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/portacode-agent/pkg/types"
)

func TestContainerStorePutGetList(t *testing.T) {
	store, err := OpenContainerStore(filepath.Join(t.TempDir(), "containers.db"))
	require.NoError(t, err)
	defer store.Close()

	record := types.ContainerRecord{VMID: 101, Hostname: "ct101", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Put(record))

	got, found, err := store.Get(101)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ct101", got.Hostname)

	_, found, err = store.Get(999)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Put(types.ContainerRecord{VMID: 102, Hostname: "ct102"}))
	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestContainerStorePutOverwritesExistingVMID(t *testing.T) {
	store, err := OpenContainerStore(filepath.Join(t.TempDir(), "containers.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(types.ContainerRecord{VMID: 5, Hostname: "first"}))
	require.NoError(t, store.Put(types.ContainerRecord{VMID: 5, Hostname: "second"}))

	got, found, err := store.Get(5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", got.Hostname)
}
