package devicelist

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type countingStore struct {
	store.KeyStore
	mu     sync.Mutex
	writes int
}

func (s *countingStore) Run(label string, fn func(store.Txn) error) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.KeyStore.Run(label, fn)
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeDownloader struct {
	mu       sync.Mutex
	calls    int
	devices  map[string][]*DeviceKeys
	failures map[string]error
	err      error
}

func (f *fakeDownloader) DownloadKeysForUsers(ctx context.Context, req *DownloadRequest) (*DownloadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := &DownloadResponse{DeviceKeys: map[string][]*DeviceKeys{}, Failures: map[string]error{}}
	for u := range req.Users {
		if err, ok := f.failures[u]; ok {
			res.Failures[u] = err
			continue
		}
		res.DeviceKeys[u] = f.devices[u]
	}
	return res, nil
}

func newTestList(t *testing.T, d KeyDownloader) (*List, *countingStore) {
	c := config.NewConfig(config.WithLoggingPrefix("devicelist"), config.WithDeviceSaveDelayMs(10))
	db := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = db.Shutdown() })
	s, err := store.NewSQLStore(db)
	require.Nil(t, err)
	cs := &countingStore{KeyStore: s}
	return NewList(c, cs, d), cs
}

func device(id, identityKey string) *Device {
	return &Device{
		Algorithms: []string{olm.AlgorithmOlm, olm.AlgorithmMegolm},
		Keys: map[string]string{
			"curve25519:" + id: identityKey,
			"ed25519:" + id:    "sig-" + identityKey,
		},
	}
}

func TestReverseIndexFollowsLatestDevices(t *testing.T) {
	require := require.New(t)
	l, _ := newTestList(t, &fakeDownloader{})

	l.SetRawStoredDevicesForUser("u", map[string]*Device{"a": device("a", "key-a"), "b": device("b", "key-b")})
	l.SetRawStoredDevicesForUser("u", map[string]*Device{"c": device("c", "key-c")})

	for _, key := range []string{"key-a", "key-b"} {
		_, ok := l.UserByIdentityKey(olm.AlgorithmOlm, key)
		require.False(ok)
	}
	u, ok := l.UserByIdentityKey(olm.AlgorithmOlm, "key-c")
	require.True(ok)
	require.Equal("u", u)

	d := l.DeviceByIdentityKey(olm.AlgorithmMegolm, "key-c")
	require.NotNil(d)
	require.Equal("c", d.DeviceID)
	require.Equal("key-c", d.IdentityKey())
	require.Equal("sig-key-c", d.Fingerprint())
	require.Nil(l.DeviceByIdentityKey(olm.AlgorithmOlm, "key-a"))

	// a key that moved to another user stays with its new owner
	l.SetRawStoredDevicesForUser("v", map[string]*Device{"c": device("c", "key-c")})
	l.SetRawStoredDevicesForUser("u", map[string]*Device{})
	u, ok = l.UserByIdentityKey(olm.AlgorithmOlm, "key-c")
	require.True(ok)
	require.Equal("v", u)
}

func TestUnsupportedAlgorithmIsRejected(t *testing.T) {
	require := require.New(t)
	l, _ := newTestList(t, &fakeDownloader{})
	l.SetRawStoredDevicesForUser("u", map[string]*Device{"a": device("a", "key-a")})

	_, ok := l.UserByIdentityKey("m.unknown", "key-a")
	require.False(ok)
	require.Nil(l.DeviceByIdentityKey("m.unknown", "key-a"))
}

func TestDownloadKeysRetriesFailures(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	d := &fakeDownloader{
		devices: map[string][]*DeviceKeys{
			"alice": {{DeviceID: "a1", Keys: map[string]string{"curve25519:a1": "alice-key"}}},
			"bob":   {{DeviceID: "b1", Keys: map[string]string{"curve25519:b1": "bob-key"}}},
		},
		failures: map[string]error{"bob": errors.New("unreachable")},
	}
	l, _ := newTestList(t, d)

	got, err := l.DownloadKeys(ctx, []string{"alice", "bob"}, false)
	require.Nil(err)
	require.Len(got["alice"], 1)
	require.Empty(got["bob"])
	require.Equal(UpToDate, l.TrackingStatus("alice"))
	require.Equal(PendingDownload, l.TrackingStatus("bob"))

	d.mu.Lock()
	delete(d.failures, "bob")
	d.mu.Unlock()
	got, err = l.DownloadKeys(ctx, []string{"alice", "bob"}, false)
	require.Nil(err)
	require.Len(got["bob"], 1)
	require.Equal(2, d.calls)

	// everyone is up to date, nothing to fetch
	_, err = l.DownloadKeys(ctx, []string{"alice", "bob"}, false)
	require.Nil(err)
	require.Equal(2, d.calls)
	_, err = l.DownloadKeys(ctx, []string{"alice"}, true)
	require.Nil(err)
	require.Equal(3, d.calls)

	d.mu.Lock()
	d.err = errors.New("offline")
	d.mu.Unlock()
	_, err = l.DownloadKeys(ctx, []string{"carol"}, false)
	require.NotNil(err)
	require.Equal(PendingDownload, l.TrackingStatus("carol"))
	require.True(l.HasFetched())
}

func TestSaveIfDirtyCoalescesWrites(t *testing.T) {
	require := require.New(t)
	l, s := newTestList(t, &fakeDownloader{})

	require.False(<-l.SaveIfDirty(0))

	l.StoreDevicesForUser("u", map[string]*Device{"a": device("a", "key-a")})
	l.SetSyncToken("token")
	before := s.count()
	waiters := []<-chan bool{
		l.SaveIfDirty(50 * time.Millisecond),
		l.SaveIfDirty(20 * time.Millisecond),
		l.SaveIfDirty(80 * time.Millisecond),
	}
	for _, w := range waiters {
		require.True(<-w)
	}
	require.Equal(before+1, s.count())
	require.False(<-l.SaveIfDirty(0))

	reloaded := NewList(config.NewConfig(), s, &fakeDownloader{})
	require.Nil(reloaded.Load())
	require.True(reloaded.HasFetched())
	require.Equal("token", reloaded.SyncToken())
	u, ok := reloaded.UserByIdentityKey(olm.AlgorithmOlm, "key-a")
	require.True(ok)
	require.Equal("u", u)
	require.Len(reloaded.StoredDevicesForUser("u"), 1)
	require.NotNil(reloaded.StoredDevice("u", "a"))
	require.Nil(reloaded.StoredDevicesForUser("nobody"))
}

func TestStopCancelsScheduledSave(t *testing.T) {
	require := require.New(t)
	l, s := newTestList(t, &fakeDownloader{})

	l.StoreDevicesForUser("u", map[string]*Device{"a": device("a", "key-a")})
	before := s.count()
	w := l.SaveIfDirty(time.Hour)
	l.Stop()
	require.False(<-w)
	require.Equal(before, s.count())

	empty := NewList(config.NewConfig(), s, &fakeDownloader{})
	require.Nil(empty.Load())
	require.False(empty.HasFetched())
}
