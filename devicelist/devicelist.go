// Package devicelist tracks the published device keys of remote users. It downloads keys through
// a KeyDownloader, keeps a reverse index from identity key to user and persists a snapshot of
// everything into the key store with coalesced writes.
package devicelist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type TrackingStatus int

const (
	NotTracked TrackingStatus = iota
	PendingDownload
	DownloadInProgress
	UpToDate
)

func (s TrackingStatus) String() string {
	switch s {
	case PendingDownload:
		return "pending"
	case DownloadInProgress:
		return "downloading"
	case UpToDate:
		return "up-to-date"
	default:
		return "not-tracked"
	}
}

// Device is the stored form of the keys a device published.
type Device struct {
	Algorithms []string          `cbor:"algorithms"`
	Keys       map[string]string `cbor:"keys"`
	Signatures map[string]string `cbor:"signatures"`
}

// DeviceInfo is a stored device together with its id.
type DeviceInfo struct {
	DeviceID string
	*Device
}

// IdentityKey is the curve25519 key of the device.
func (d *DeviceInfo) IdentityKey() string {
	return d.Keys["curve25519:"+d.DeviceID]
}

// Fingerprint is the ed25519 signing key of the device.
func (d *DeviceInfo) Fingerprint() string {
	return d.Keys["ed25519:"+d.DeviceID]
}

type DeviceKeys struct {
	DeviceID   string
	Algorithms []string
	Keys       map[string]string
	Signatures map[string]string
}

// FallbackKey is a published fallback key and the ed25519 signature over it.
type FallbackKey struct {
	KeyID     string
	Key       string
	Signature string
}

type DownloadRequest struct {
	// user id to the device ids wanted, empty for every device
	Users              map[string][]string
	ReturnFallbackKeys bool
}

type DownloadResponse struct {
	DeviceKeys   map[string][]*DeviceKeys
	FallbackKeys map[string]map[string]*FallbackKey
	Failures     map[string]error
}

// KeyDownloader fetches device keys from the network.
type KeyDownloader interface {
	DownloadKeysForUsers(ctx context.Context, req *DownloadRequest) (*DownloadResponse, error)
}

type snapshot struct {
	Devices        map[string]map[string]*Device `cbor:"devices"`
	TrackingStatus map[string]TrackingStatus     `cbor:"tracking_status"`
	SyncToken      string                        `cbor:"sync_token"`
}

type List struct {
	log        *zap.SugaredLogger
	store      store.KeyStore
	downloader KeyDownloader
	saveDelay  time.Duration

	mu                sync.Mutex
	devices           map[string]map[string]*Device
	userByIdentityKey map[string]string
	trackingStatus    map[string]TrackingStatus
	syncToken         string
	hasFetched        bool

	dirty      bool
	generation uint64
	flush      *pendingFlush
}

// pendingFlush is the single scheduled snapshot write. Every caller who asked for a save before
// it fires is answered from it.
type pendingFlush struct {
	at      time.Time
	timer   *time.Timer
	waiters []chan bool
}

func NewList(c *config.Config, s store.KeyStore, downloader KeyDownloader) *List {
	return &List{
		log:               c.Logger("devicelist"),
		store:             s,
		downloader:        downloader,
		saveDelay:         time.Duration(c.DeviceSaveDelayMs) * time.Millisecond,
		devices:           make(map[string]map[string]*Device),
		userByIdentityKey: make(map[string]string),
		trackingStatus:    make(map[string]TrackingStatus),
	}
}

// DownloadKeys refreshes every user whose keys are not up to date, or all of them when force is
// set, and returns the stored devices of userIDs. Users the downloader failed for are left
// pending so the next call retries them.
func (l *List) DownloadKeys(ctx context.Context, userIDs []string, force bool) (map[string]map[string]*DeviceInfo, error) {
	req := &DownloadRequest{Users: make(map[string][]string)}
	l.mu.Lock()
	for _, u := range userIDs {
		if force || l.trackingStatus[u] != UpToDate {
			req.Users[u] = nil
			l.trackingStatus[u] = DownloadInProgress
		}
	}
	l.mu.Unlock()

	if len(req.Users) != 0 {
		l.log.Debugf("downloading keys for %v", maps.Keys(req.Users))
		res, err := l.downloader.DownloadKeysForUsers(ctx, req)
		if err != nil {
			l.markPending(maps.Keys(req.Users))
			return nil, fmt.Errorf("devicelist: error downloading keys: %w", err)
		}
		l.applyDownload(req, res)
		l.SaveIfDirty(l.saveDelay)
	}
	return l.devicesForUsers(userIDs), nil
}

func (l *List) markPending(userIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range userIDs {
		l.trackingStatus[u] = PendingDownload
	}
}

func (l *List) applyDownload(req *DownloadRequest, res *DownloadResponse) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for userID, err := range res.Failures {
		l.log.Warnf("error downloading keys for %s: %s", userID, err)
	}
	for userID := range req.Users {
		if _, failed := res.Failures[userID]; failed {
			l.trackingStatus[userID] = PendingDownload
			continue
		}
		keys, ok := res.DeviceKeys[userID]
		if !ok {
			l.trackingStatus[userID] = PendingDownload
			continue
		}
		devices := make(map[string]*Device, len(keys))
		for _, k := range keys {
			if k == nil {
				continue
			}
			devices[k.DeviceID] = &Device{Algorithms: k.Algorithms, Keys: k.Keys, Signatures: k.Signatures}
		}
		l.setRawStoredDevicesForUser(userID, devices)
		l.trackingStatus[userID] = UpToDate
	}
	l.hasFetched = true
	l.markDirty()
}

// FallbackKeys downloads the published fallback keys of the given devices, keyed by user then
// device id. Devices without a fallback key are absent from the result.
func (l *List) FallbackKeys(ctx context.Context, devices map[string][]string) (map[string]map[string]*FallbackKey, error) {
	res, err := l.downloader.DownloadKeysForUsers(ctx, &DownloadRequest{Users: devices, ReturnFallbackKeys: true})
	if err != nil {
		return nil, fmt.Errorf("devicelist: error downloading fallback keys: %w", err)
	}
	out := make(map[string]map[string]*FallbackKey)
	for userID, deviceIDs := range devices {
		for _, deviceID := range deviceIDs {
			fbk := res.FallbackKeys[userID][deviceID]
			if fbk == nil {
				continue
			}
			if out[userID] == nil {
				out[userID] = make(map[string]*FallbackKey)
			}
			out[userID][deviceID] = fbk
		}
	}
	return out, nil
}

// SetRawStoredDevicesForUser replaces the devices of a user. Identity keys of the previous
// devices are dropped from the reverse index before the new ones are added.
func (l *List) SetRawStoredDevicesForUser(userID string, devices map[string]*Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRawStoredDevicesForUser(userID, devices)
}

func (l *List) setRawStoredDevicesForUser(userID string, devices map[string]*Device) {
	for deviceID, d := range l.devices[userID] {
		key := d.Keys["curve25519:"+deviceID]
		if l.userByIdentityKey[key] == userID {
			delete(l.userByIdentityKey, key)
		}
	}
	l.devices[userID] = devices
	for deviceID, d := range devices {
		if key := d.Keys["curve25519:"+deviceID]; key != "" {
			l.userByIdentityKey[key] = userID
		}
	}
}

// StoreDevicesForUser replaces the devices of a user and marks the list as needing a save.
func (l *List) StoreDevicesForUser(userID string, devices map[string]*Device) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setRawStoredDevicesForUser(userID, devices)
	l.markDirty()
}

func (l *List) markDirty() {
	l.dirty = true
	l.generation++
}

func (l *List) devicesForUsers(userIDs []string) map[string]map[string]*DeviceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]map[string]*DeviceInfo, len(userIDs))
	for _, u := range userIDs {
		m := make(map[string]*DeviceInfo)
		for deviceID, d := range l.devices[u] {
			m[deviceID] = &DeviceInfo{DeviceID: deviceID, Device: d}
		}
		out[u] = m
	}
	return out
}

// StoredDevicesForUser lists the devices of a user ordered by device id, or nil if the user is unknown.
func (l *List) StoredDevicesForUser(userID string) []*DeviceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	devices, ok := l.devices[userID]
	if !ok {
		return nil
	}
	ids := maps.Keys(devices)
	slices.Sort(ids)
	out := make([]*DeviceInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, &DeviceInfo{DeviceID: id, Device: devices[id]})
	}
	return out
}

func (l *List) StoredDevice(userID, deviceID string) *DeviceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.devices[userID][deviceID]
	if !ok {
		return nil
	}
	return &DeviceInfo{DeviceID: deviceID, Device: d}
}

func supported(algorithm string) bool {
	return algorithm == olm.AlgorithmOlm || algorithm == olm.AlgorithmMegolm
}

// UserByIdentityKey finds the owner of a curve25519 identity key.
func (l *List) UserByIdentityKey(algorithm, identityKey string) (string, bool) {
	if !supported(algorithm) {
		l.log.Warnf("unsupported key algorithm %s", algorithm)
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.userByIdentityKey[identityKey]
	return u, ok
}

func (l *List) DeviceByIdentityKey(algorithm, identityKey string) *DeviceInfo {
	userID, ok := l.UserByIdentityKey(algorithm, identityKey)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for deviceID, d := range l.devices[userID] {
		for keyID, key := range d.Keys {
			if strings.HasPrefix(keyID, "curve25519:") && key == identityKey {
				return &DeviceInfo{DeviceID: deviceID, Device: d}
			}
		}
	}
	return nil
}

func (l *List) TrackingStatus(userID string) TrackingStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trackingStatus[userID]
}

// InvalidateUser forces the next DownloadKeys for the user to fetch again.
func (l *List) InvalidateUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trackingStatus[userID] == UpToDate {
		l.trackingStatus[userID] = PendingDownload
		l.markDirty()
	}
}

func (l *List) SyncToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncToken
}

func (l *List) SetSyncToken(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncToken = token
	l.markDirty()
}

// HasFetched reports whether a snapshot or a download has ever populated the list.
func (l *List) HasFetched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasFetched
}

// SaveIfDirty schedules a snapshot write delay from now. Calls made before the write fires share
// it, an earlier deadline pulls the write forward. The returned channel receives true once the
// write lands, false if there was nothing to save or the write failed.
func (l *List) SaveIfDirty(delay time.Duration) <-chan bool {
	ch := make(chan bool, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		ch <- false
		return ch
	}

	target := time.Now().Add(delay)
	if l.flush == nil {
		l.flush = &pendingFlush{}
	}
	f := l.flush
	f.waiters = append(f.waiters, ch)
	if f.timer != nil && target.Before(f.at) {
		if f.timer.Stop() {
			f.timer = nil
		}
	}
	if f.timer == nil {
		f.at = target
		f.timer = time.AfterFunc(delay, func() { l.save(f) })
	}
	return ch
}

func (l *List) save(f *pendingFlush) {
	l.mu.Lock()
	if l.flush != f {
		l.mu.Unlock()
		return
	}
	l.flush = nil
	gen := l.generation
	data, err := cbor.Marshal(&snapshot{
		Devices:        l.devices,
		TrackingStatus: l.trackingStatus,
		SyncToken:      l.syncToken,
	})
	l.mu.Unlock()

	if err == nil {
		l.log.Debugf("saving device tracking data")
		err = l.store.Run("save device data", func(txn store.Txn) error {
			return txn.StoreDeviceData(data)
		})
	}

	l.mu.Lock()
	if err != nil {
		l.log.Errorf("error saving device tracking data: %s", err)
	} else if l.generation == gen {
		l.dirty = false
	}
	l.mu.Unlock()
	for _, w := range f.waiters {
		w <- err == nil
	}
}

// Load replaces the in-memory list with the stored snapshot and rebuilds the reverse index.
func (l *List) Load() error {
	var data []byte
	err := l.store.RunReadOnly("load device data", func(txn store.Txn) error {
		var err error
		data, err = txn.DeviceData()
		return err
	})
	if err != nil {
		return err
	}
	snap := &snapshot{}
	if data != nil {
		if err := cbor.Unmarshal(data, snap); err != nil {
			return fmt.Errorf("devicelist: error decoding device data: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasFetched = snap.Devices != nil
	l.devices = snap.Devices
	if l.devices == nil {
		l.devices = make(map[string]map[string]*Device)
	}
	l.trackingStatus = snap.TrackingStatus
	if l.trackingStatus == nil {
		l.trackingStatus = make(map[string]TrackingStatus)
	}
	l.syncToken = snap.SyncToken
	l.userByIdentityKey = make(map[string]string)
	for userID, devices := range l.devices {
		for deviceID, d := range devices {
			if key, ok := d.Keys["curve25519:"+deviceID]; ok {
				l.userByIdentityKey[key] = userID
			}
		}
	}
	return nil
}

// Stop cancels a scheduled save. Its waiters receive false.
func (l *List) Stop() {
	l.mu.Lock()
	f := l.flush
	l.flush = nil
	l.mu.Unlock()
	if f == nil {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	for _, w := range f.waiters {
		w <- false
	}
}
