// Package olmdevice manages the local device's account, its pairwise sessions with remote
// devices and its group sessions. All key material is persisted through a store.KeyStore;
// every operation is a read-modify-write inside one unit of work.
package olmdevice

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/olm"
	"github.com/meow-io/go-e2ee/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoAccount      = errors.New("olmdevice: account not initialized")
	ErrCorruptAccount = errors.New("olmdevice: stored account cannot be read")
	ErrNoSession      = errors.New("olmdevice: no such session")
	ErrNotPreKey      = errors.New("olmdevice: need message type 0 to create inbound session")
)

type InitOptions struct {
	PickleKey          []byte
	FromExportedDevice *ExportedDevice
}

// ExportedDevice is everything needed to recreate a device elsewhere.
type ExportedDevice struct {
	PickleKey      []byte
	PickledAccount string
	Sessions       []*store.Session
}

type SessionInfo struct {
	SessionID             string
	LastReceivedMessageTs int64
	HasReceivedMessage    bool
}

type InboundSessionResult struct {
	Payload   []byte
	SessionID string
}

type Ciphertext struct {
	Type int    `cbor:"type" json:"type"`
	Body string `cbor:"body" json:"body"`
}

type Device struct {
	DeviceCurve25519Key string
	DeviceEd25519Key    string

	log       *zap.SugaredLogger
	config    *config.Config
	clock     clock.Clock
	store     store.KeyStore
	pickleKey []byte

	prekeyLocks *keyedMutex
	inProgress  *progressTracker
	creating    singleflight.Group
}

func NewDevice(c *config.Config, clk clock.Clock, s store.KeyStore) *Device {
	return &Device{
		log:         c.Logger("olmdevice"),
		config:      c,
		clock:       clk,
		store:       s,
		prekeyLocks: newKeyedMutex(),
		inProgress:  newProgressTracker(),
	}
}

// Init loads the account, creating one on first use, and makes sure a fallback key exists.
// A stored account that cannot be unpickled is fatal.
func (d *Device) Init(opts InitOptions) error {
	if opts.FromExportedDevice != nil {
		d.pickleKey = opts.FromExportedDevice.PickleKey
		if err := d.store.Run("import device", func(txn store.Txn) error {
			if err := txn.StoreAccount(opts.FromExportedDevice.PickledAccount); err != nil {
				return err
			}
			for _, s := range opts.FromExportedDevice.Sessions {
				if err := txn.StoreSession(s); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("olmdevice: error importing device: %w", err)
		}
	} else {
		d.pickleKey = opts.PickleKey
	}
	if len(d.pickleKey) == 0 {
		return errors.New("olmdevice: pickle key required")
	}

	var keys olm.IdentityKeys
	err := d.store.Run("init account", func(txn store.Txn) error {
		pickled, err := txn.Account()
		if err != nil {
			return err
		}
		var account *olm.Account
		if pickled == "" {
			d.log.Infof("creating new account")
			if account, err = olm.NewAccount(); err != nil {
				return err
			}
		} else if account, err = olm.UnpickleAccount(d.pickleKey, pickled); err != nil {
			return fmt.Errorf("%w: %s", ErrCorruptAccount, err)
		}
		if len(account.FallbackKey()) == 0 {
			d.log.Infof("generating fallback key")
			if err := account.GenerateFallbackKey(); err != nil {
				return err
			}
		}
		keys = account.IdentityKeys()
		return d.storeAccount(txn, account)
	})
	if err != nil {
		return err
	}
	d.DeviceCurve25519Key = keys.Curve25519
	d.DeviceEd25519Key = keys.Ed25519
	d.log.Infof("initialized device %s", d.DeviceCurve25519Key)
	return nil
}

func (d *Device) getAccount(txn store.Txn) (*olm.Account, error) {
	pickled, err := txn.Account()
	if err != nil {
		return nil, err
	}
	if pickled == "" {
		return nil, ErrNoAccount
	}
	a, err := olm.UnpickleAccount(d.pickleKey, pickled)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptAccount, err)
	}
	return a, nil
}

func (d *Device) storeAccount(txn store.Txn, a *olm.Account) error {
	pickled, err := a.Pickle(d.pickleKey)
	if err != nil {
		return err
	}
	return txn.StoreAccount(pickled)
}

func (d *Device) withAccount(label string, fn func(*olm.Account) error) error {
	return d.store.Run(label, func(txn store.Txn) error {
		a, err := d.getAccount(txn)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		return d.storeAccount(txn, a)
	})
}

func (d *Device) Sign(message []byte) (string, error) {
	var sig string
	err := d.store.RunReadOnly("sign", func(txn store.Txn) error {
		a, err := d.getAccount(txn)
		if err != nil {
			return err
		}
		sig = a.Sign(message)
		return nil
	})
	return sig, err
}

// FallbackKey returns the current fallback key, key id to public key.
func (d *Device) FallbackKey() (map[string]string, error) {
	var keys map[string]string
	err := d.store.RunReadOnly("fallback key", func(txn store.Txn) error {
		a, err := d.getAccount(txn)
		if err != nil {
			return err
		}
		keys = a.FallbackKey()
		return nil
	})
	return keys, err
}

func (d *Device) UnpublishedFallbackKey() (map[string]string, error) {
	var keys map[string]string
	err := d.store.RunReadOnly("unpublished fallback key", func(txn store.Txn) error {
		a, err := d.getAccount(txn)
		if err != nil {
			return err
		}
		keys = a.UnpublishedFallbackKey()
		return nil
	})
	return keys, err
}

func (d *Device) MarkKeysAsPublished() error {
	return d.withAccount("mark keys published", func(a *olm.Account) error {
		a.MarkKeysAsPublished()
		return nil
	})
}

func (d *Device) GenerateFallbackKey() error {
	return d.withAccount("generate fallback key", func(a *olm.Account) error {
		return a.GenerateFallbackKey()
	})
}

func (d *Device) ForgetOldFallbackKey() error {
	return d.withAccount("forget old fallback key", func(a *olm.Account) error {
		a.ForgetOldFallbackKey()
		return nil
	})
}

func (d *Device) Export() (*ExportedDevice, error) {
	exported := &ExportedDevice{PickleKey: d.pickleKey}
	err := d.store.RunReadOnly("export device", func(txn store.Txn) error {
		pickled, err := txn.Account()
		if err != nil {
			return err
		}
		if pickled == "" {
			return ErrNoAccount
		}
		exported.PickledAccount = pickled
		exported.Sessions, err = txn.AllSessions()
		return err
	})
	if err != nil {
		return nil, err
	}
	return exported, nil
}

func (d *Device) saveSession(txn store.Txn, theirIdentityKey string, s *olm.Session, lastReceived int64) error {
	pickled, err := s.Pickle(d.pickleKey)
	if err != nil {
		return err
	}
	return txn.StoreSession(&store.Session{
		DeviceKey:             theirIdentityKey,
		SessionID:             s.ID(),
		Pickle:                pickled,
		LastReceivedMessageTs: lastReceived,
	})
}

func (d *Device) loadSession(txn store.Txn, theirIdentityKey, sessionID string) (*store.Session, *olm.Session, error) {
	rec, err := txn.Session(theirIdentityKey, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%w: %s for %s", ErrNoSession, sessionID, theirIdentityKey)
	}
	s, err := olm.UnpickleSession(d.pickleKey, rec.Pickle)
	if err != nil {
		return nil, nil, fmt.Errorf("olmdevice: error unpickling session %s: %w", sessionID, err)
	}
	return rec, s, nil
}

// CreateOutboundSession starts a session with a remote device. It counts as having received a
// message now, which makes it eligible for reuse straight away.
func (d *Device) CreateOutboundSession(theirIdentityKey, theirOneTimeKey string) (string, error) {
	var id string
	err := d.store.Run("create outbound session", func(txn store.Txn) error {
		a, err := d.getAccount(txn)
		if err != nil {
			return err
		}
		s, err := a.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
		if err != nil {
			return err
		}
		id = s.ID()
		return d.saveSession(txn, theirIdentityKey, s, d.clock.CurrentTimeMs())
	})
	if err != nil {
		return "", fmt.Errorf("olmdevice: error creating outbound session: %w", err)
	}
	return id, nil
}

// CreateInboundSession creates a session from a prekey message and decrypts it.
func (d *Device) CreateInboundSession(theirIdentityKey string, messageType int, ciphertext string) (*InboundSessionResult, error) {
	if messageType != olm.MessageTypePreKey {
		return nil, ErrNotPreKey
	}
	var result *InboundSessionResult
	err := d.store.Run("create inbound session", func(txn store.Txn) error {
		a, err := d.getAccount(txn)
		if err != nil {
			return err
		}
		s, err := a.NewInboundSession(theirIdentityKey, ciphertext)
		if err != nil {
			return err
		}
		if err := d.storeAccount(txn, a); err != nil {
			return err
		}
		payload, err := s.Decrypt(messageType, ciphertext)
		if err != nil {
			return err
		}
		if err := d.saveSession(txn, theirIdentityKey, s, d.clock.CurrentTimeMs()); err != nil {
			return err
		}
		result = &InboundSessionResult{Payload: payload, SessionID: s.ID()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("olmdevice: error creating inbound session: %w", err)
	}
	return result, nil
}

func (d *Device) waitForCreation(ctx context.Context, theirIdentityKey string) error {
	ch := d.inProgress.wait(theirIdentityKey)
	if ch == nil {
		return nil
	}
	d.log.Debugf("waiting for session with %s to be created", theirIdentityKey)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetSessionIDsForDevice lists session ids in ascending order, after any in-flight creation for the device.
func (d *Device) GetSessionIDsForDevice(ctx context.Context, theirIdentityKey string) ([]string, error) {
	if err := d.waitForCreation(ctx, theirIdentityKey); err != nil {
		return nil, err
	}
	var ids []string
	err := d.store.RunReadOnly("session ids for device", func(txn store.Txn) error {
		sessions, err := txn.Sessions(theirIdentityKey)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			ids = append(ids, s.SessionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Device) GetSessionInfoForDevice(ctx context.Context, theirIdentityKey string, noWait bool) ([]*SessionInfo, error) {
	if !noWait {
		if err := d.waitForCreation(ctx, theirIdentityKey); err != nil {
			return nil, err
		}
	}
	var info []*SessionInfo
	err := d.store.RunReadOnly("session info for device", func(txn store.Txn) error {
		sessions, err := txn.Sessions(theirIdentityKey)
		if err != nil {
			return err
		}
		for _, rec := range sessions {
			s, err := olm.UnpickleSession(d.pickleKey, rec.Pickle)
			if err != nil {
				return fmt.Errorf("olmdevice: error unpickling session %s: %w", rec.SessionID, err)
			}
			info = append(info, &SessionInfo{
				SessionID:             rec.SessionID,
				LastReceivedMessageTs: rec.LastReceivedMessageTs,
				HasReceivedMessage:    s.HasReceivedMessage(),
			})
		}
		return nil
	})
	return info, err
}

// GetSessionIDForDevice picks the session to send on: the most recently received on, ties
// going to the smaller session id. Returns "" when there is none.
func (d *Device) GetSessionIDForDevice(ctx context.Context, theirIdentityKey string, noWait bool) (string, error) {
	info, err := d.GetSessionInfoForDevice(ctx, theirIdentityKey, noWait)
	if err != nil {
		return "", err
	}
	var best *SessionInfo
	for _, s := range info {
		if best == nil ||
			s.LastReceivedMessageTs > best.LastReceivedMessageTs ||
			(s.LastReceivedMessageTs == best.LastReceivedMessageTs && s.SessionID < best.SessionID) {
			best = s
		}
	}
	if best == nil {
		return "", nil
	}
	return best.SessionID, nil
}

// MarkSessionsInProgress flags devices as having a session being created. Lookups that wait
// block until the returned release is called.
func (d *Device) MarkSessionsInProgress(theirIdentityKeys ...string) func() {
	return d.inProgress.mark(theirIdentityKeys...)
}

// EnsureOutboundSession returns the current session for the device, creating one if there is
// none. Concurrent calls for one device share a single creation.
func (d *Device) EnsureOutboundSession(ctx context.Context, theirIdentityKey, theirOneTimeKey string) (string, bool, error) {
	release := d.MarkSessionsInProgress(theirIdentityKey)
	defer release()

	created := false
	v, err, _ := d.creating.Do(theirIdentityKey, func() (interface{}, error) {
		id, err := d.GetSessionIDForDevice(ctx, theirIdentityKey, true)
		if err != nil || id != "" {
			return id, err
		}
		if theirOneTimeKey == "" {
			return "", fmt.Errorf("olmdevice: no one-time key for %s", theirIdentityKey)
		}
		created = true
		return d.CreateOutboundSession(theirIdentityKey, theirOneTimeKey)
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), created, nil
}

func (d *Device) EncryptMessage(theirIdentityKey, sessionID string, payload []byte) (*Ciphertext, error) {
	var out *Ciphertext
	err := d.store.Run("encrypt message", func(txn store.Txn) error {
		rec, s, err := d.loadSession(txn, theirIdentityKey, sessionID)
		if err != nil {
			return err
		}
		typ, body, err := s.Encrypt(payload)
		if err != nil {
			return err
		}
		out = &Ciphertext{Type: typ, Body: body}
		return d.saveSession(txn, theirIdentityKey, s, rec.LastReceivedMessageTs)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Device) DecryptMessage(theirIdentityKey, sessionID string, messageType int, ciphertext string) ([]byte, error) {
	var payload []byte
	err := d.store.Run("decrypt message", func(txn store.Txn) error {
		_, s, err := d.loadSession(txn, theirIdentityKey, sessionID)
		if err != nil {
			return err
		}
		if payload, err = s.Decrypt(messageType, ciphertext); err != nil {
			return err
		}
		return d.saveSession(txn, theirIdentityKey, s, d.clock.CurrentTimeMs())
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// MatchesSession reports whether a prekey message belongs to an existing session.
func (d *Device) MatchesSession(theirIdentityKey, sessionID string, messageType int, ciphertext string) (bool, error) {
	if messageType != olm.MessageTypePreKey {
		return false, nil
	}
	matches := false
	err := d.store.RunReadOnly("matches session", func(txn store.Txn) error {
		_, s, err := d.loadSession(txn, theirIdentityKey, sessionID)
		if err != nil {
			return err
		}
		matches = s.MatchesInbound(ciphertext)
		return nil
	})
	return matches, err
}

// WithPrekeyLock runs fn while holding the prekey lock for a remote device. Decrypting prekey
// messages from one device goes through here one at a time.
func (d *Device) WithPrekeyLock(theirIdentityKey string, fn func() error) error {
	unlock := d.prekeyLocks.lock(theirIdentityKey)
	defer unlock()
	return fn()
}

func (d *Device) RecordSessionProblem(deviceKey, problemType string, fixed bool) error {
	return d.store.Run("record session problem", func(txn store.Txn) error {
		return txn.StoreSessionProblem(deviceKey, &store.SessionProblem{Type: problemType, Fixed: fixed, Time: d.clock.CurrentTimeMs()})
	})
}

// SessionMayHaveProblems returns the problem recorded for a device that could explain a
// failure at timestamp, or nil.
func (d *Device) SessionMayHaveProblems(deviceKey string, timestamp int64) (*store.SessionProblem, error) {
	var problem *store.SessionProblem
	err := d.store.RunReadOnly("session problems", func(txn store.Txn) error {
		problems, err := txn.SessionProblems(deviceKey)
		if err != nil || len(problems) == 0 {
			return err
		}
		last := problems[len(problems)-1]
		for _, p := range problems {
			if p.Time > timestamp {
				problem = &store.SessionProblem{Type: p.Type, Time: p.Time, Fixed: last.Fixed}
				return nil
			}
		}
		if !last.Fixed {
			problem = last
		}
		return nil
	})
	return problem, err
}

func (d *Device) FilterOutNotifiedErrorDevices(devices []*store.DeviceRef) ([]*store.DeviceRef, error) {
	var out []*store.DeviceRef
	err := d.store.Run("filter notified devices", func(txn store.Txn) error {
		var err error
		out, err = txn.FilterOutNotifiedErrorDevices(devices)
		return err
	})
	return out, err
}
