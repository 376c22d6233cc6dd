// This package provides the end-to-end encryption core of a chat client. A Client owns an
// encrypted key store, the device identity, the pairwise and group session managers, the
// device list and the key exchange extension, and wires them together.
package e2ee

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/meow-io/go-e2ee/algorithms"
	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/internal/metrics"
	"github.com/meow-io/go-e2ee/keyexchange"
	"github.com/meow-io/go-e2ee/olmdevice"
	"github.com/meow-io/go-e2ee/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateInitialized
	StateOpen
	StateRunning
)

const pickleKeyInfo = "e2ee pickle key"

// An event indicating a change in the state of the client.
type AppState struct {
	State int
}

// Options are the collaborators of a client. Only UserID and DeviceID are needed to open a
// client, Start also needs KeyDownloader, Transport and Entitlements.
type Options struct {
	UserID        string
	DeviceID      string
	KeyDownloader devicelist.KeyDownloader
	Transport     keyexchange.Transport
	Entitlements  keyexchange.Entitlements
	// Registerer receives the client metrics, nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Listener sees the outcome of every group decryption, including retries after a key arrives.
	Listener algorithms.DecryptionListener
	Clock    clock.Clock
}

type Client struct {
	DB          *db.Database
	Device      *olmdevice.Device
	Devices     *devicelist.List
	Dispatcher  *algorithms.Dispatcher
	KeyExchange *keyexchange.Extension
	Metrics     *metrics.Metrics

	config  *config.Config
	log     *zap.SugaredLogger
	opts    *Options
	state   int
	updates chan interface{}
}

// Create a client rooted at c.RootDir.
func New(c *config.Config, opts *Options) (*Client, error) {
	if opts == nil || opts.UserID == "" || opts.DeviceID == "" {
		return nil, errors.New("e2ee: user id and device id required")
	}
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystemClock()
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	return &Client{
		DB:      database,
		config:  c,
		log:     log,
		opts:    opts,
		state:   state,
		updates: make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (c *Client) NewKey(password string) ([]byte, error) {
	return newKey(password, c.config.RootDir, "salt")
}

// Gets state updates, *AppState for now.
func (c *Client) Updates() chan interface{} {
	return c.updates
}

func (c *Client) New() bool {
	return c.state == StateNew
}

func (c *Client) Initialized() bool {
	return c.state == StateInitialized
}

func (c *Client) Running() bool {
	return c.state == StateRunning
}

// Initialize a new key store with a given key and open it.
func (c *Client) Initialize(key []byte) error {
	if c.state != StateNew {
		return errors.New("e2ee: cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.setState(StateInitialized)
	return c.Open(key)
}

// Open an existing key store with a given key. The device account is loaded, or created on
// first use, and every component is built but nothing runs until Start.
func (c *Client) Open(key []byte) error {
	if c.state != StateInitialized {
		return errors.New("e2ee: cannot open unless in state initialized")
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}
	if err := c.open(key); err != nil {
		return multierr.Append(err, c.DB.Shutdown())
	}
	c.setState(StateOpen)
	return nil
}

func (c *Client) open(key []byte) error {
	s, err := store.NewSQLStore(c.DB)
	if err != nil {
		return err
	}
	pickleKey, err := crypto.Derive(key, nil, pickleKeyInfo, 32)
	if err != nil {
		return fmt.Errorf("e2ee: error deriving pickle key: %w", err)
	}
	c.Device = olmdevice.NewDevice(c.config, c.opts.Clock, s)
	if err := c.Device.Init(olmdevice.InitOptions{PickleKey: pickleKey}); err != nil {
		return err
	}
	c.Devices = devicelist.NewList(c.config, s, c.opts.KeyDownloader)
	if err := c.Devices.Load(); err != nil {
		return err
	}
	c.Metrics = metrics.New(c.opts.Registerer)

	var sender algorithms.ToDeviceSender
	if c.opts.Transport != nil {
		sender = c.opts.Transport
	}
	c.Dispatcher, err = algorithms.NewDispatcher(c.config.Logger("algorithms"), algorithms.NewDefaultRegistry(&algorithms.Params{
		Config:   c.config,
		UserID:   c.opts.UserID,
		DeviceID: c.opts.DeviceID,
		Device:   c.Device,
		Devices:  c.Devices,
		Sender:   sender,
		Metrics:  c.Metrics,
		Listener: c.onDecryption,
	}), c.Metrics)
	if err != nil {
		return err
	}
	c.KeyExchange = keyexchange.New(&keyexchange.Params{
		Config:       c.config,
		Clock:        c.opts.Clock,
		UserID:       c.opts.UserID,
		Device:       c.Device,
		Devices:      c.Devices,
		Dispatcher:   c.Dispatcher,
		Transport:    c.opts.Transport,
		Entitlements: c.opts.Entitlements,
		Metrics:      c.Metrics,
	})
	return nil
}

// Start the key exchange.
func (c *Client) Start() error {
	if c.state != StateOpen {
		return errors.New("e2ee: cannot start unless in state open")
	}
	if c.opts.KeyDownloader == nil || c.opts.Transport == nil || c.opts.Entitlements == nil {
		return errors.New("e2ee: key downloader, transport and entitlements required to start")
	}
	c.KeyExchange.Start()
	c.setState(StateRunning)
	return nil
}

// Gracefully stop the client. Pending device list changes are saved first.
func (c *Client) Shutdown() error {
	if c.state != StateOpen && c.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	if c.state == StateRunning {
		c.KeyExchange.Stop()
	}
	// the list logs a failed write itself
	<-c.Devices.SaveIfDirty(0)
	c.Devices.Stop()
	if err := c.DB.Shutdown(); err != nil {
		return fmt.Errorf("e2ee: error during shutdown: %w", err)
	}

	c.setState(StateInitialized)
	return nil
}

func (c *Client) setState(state int) {
	c.state = state
	select {
	case c.updates <- &AppState{state}:
	default:
		c.log.Warnf("updates full, dropping state %d", state)
	}
}

func (c *Client) onDecryption(ev *algorithms.Event, res *algorithms.DecryptionResult, err error) {
	c.KeyExchange.OnDecryption(ev, res, err)
	if c.opts.Listener != nil {
		c.opts.Listener(ev, res, err)
	}
}

// IdentityKeys returns the curve25519 and ed25519 keys of this device.
func (c *Client) IdentityKeys() (string, string) {
	return c.Device.DeviceCurve25519Key, c.Device.DeviceEd25519Key
}

// DeviceKeys is what this device publishes about itself.
func (c *Client) DeviceKeys() (*devicelist.DeviceKeys, error) {
	keys := map[string]string{
		"curve25519:" + c.opts.DeviceID: c.Device.DeviceCurve25519Key,
		"ed25519:" + c.opts.DeviceID:    c.Device.DeviceEd25519Key,
	}
	sig, err := c.Device.Sign([]byte(c.Device.DeviceCurve25519Key + c.Device.DeviceEd25519Key))
	if err != nil {
		return nil, err
	}
	return &devicelist.DeviceKeys{
		DeviceID:   c.opts.DeviceID,
		Algorithms: []string{algorithms.OlmAlgorithm, algorithms.MegolmAlgorithm},
		Keys:       keys,
		Signatures: map[string]string{"ed25519:" + c.opts.DeviceID: sig},
	}, nil
}

// UnpublishedFallbackKey returns the fallback key awaiting publication, signed, or nil.
func (c *Client) UnpublishedFallbackKey() (*devicelist.FallbackKey, error) {
	keys, err := c.Device.UnpublishedFallbackKey()
	if err != nil {
		return nil, err
	}
	for keyID, key := range keys {
		sig, err := c.Device.Sign([]byte(key))
		if err != nil {
			return nil, err
		}
		return &devicelist.FallbackKey{KeyID: keyID, Key: key, Signature: sig}, nil
	}
	return nil, nil
}

func (c *Client) MarkKeysAsPublished() error {
	return c.Device.MarkKeysAsPublished()
}

// RotateFallbackKey makes a new fallback key. The previous one keeps working until
// ForgetOldFallbackKey.
func (c *Client) RotateFallbackKey() error {
	return c.Device.GenerateFallbackKey()
}

func (c *Client) ForgetOldFallbackKey() error {
	return c.Device.ForgetOldFallbackKey()
}

// Export returns everything needed to recreate this device.
func (c *Client) Export() (*olmdevice.ExportedDevice, error) {
	return c.Device.Export()
}

func (c *Client) EncryptGroup(ctx context.Context, conversationID string, content []byte) (*algorithms.EncryptedContent, error) {
	return c.Dispatcher.EncryptGroup(ctx, conversationID, content)
}

func (c *Client) EncryptToDevices(ctx context.Context, userIDs []string, content []byte) (*algorithms.EncryptedContent, error) {
	return c.Dispatcher.EncryptToDevices(ctx, userIDs, content)
}

// Decrypt decrypts a group or pairwise event. Group events that fail for lack of keys are
// handed to the key exchange.
func (c *Client) Decrypt(ctx context.Context, ev *algorithms.Event) (*algorithms.DecryptionResult, error) {
	res, err := c.Dispatcher.DecryptEvent(ctx, ev)
	if ev.Content != nil && ev.Content.Algorithm == algorithms.MegolmAlgorithm {
		c.onDecryption(ev, res, err)
	}
	return res, err
}

// ShareKeys sends the shared-history sessions of a conversation to every device of userIDs.
func (c *Client) ShareKeys(ctx context.Context, conversationID string, userIDs []string) error {
	got, err := c.Devices.DownloadKeys(ctx, userIDs, false)
	if err != nil {
		return err
	}
	byUser := make(map[string][]*devicelist.DeviceInfo, len(got))
	for userID, devices := range got {
		for _, d := range devices {
			byUser[userID] = append(byUser[userID], d)
		}
	}
	return c.Dispatcher.ShareKeysWithDevices(ctx, conversationID, byUser)
}

// OnToDeviceMessage takes a pairwise event addressed to this device.
func (c *Client) OnToDeviceMessage(ev *algorithms.Event) {
	c.KeyExchange.OnToDeviceMessage(ev)
}

func (c *Client) OnKeySolicitation(conversationID, fromUserID string, s *keyexchange.KeySolicitation) {
	c.KeyExchange.OnKeySolicitation(conversationID, fromUserID, s)
}

func (c *Client) OnKeyFulfillment(conversationID string, f *keyexchange.Fulfillment) {
	c.KeyExchange.OnKeyFulfillment(conversationID, f)
}

func (c *Client) OnMemberJoined(conversationID string) {
	c.KeyExchange.OnMemberJoined(conversationID)
}

// OnDeviceListChanged forgets what we know about userIDs so the next lookup downloads again.
func (c *Client) OnDeviceListChanged(userIDs ...string) {
	for _, userID := range userIDs {
		c.Devices.InvalidateUser(userID)
	}
}
