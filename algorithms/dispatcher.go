package algorithms

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/internal/metrics"
	"github.com/meow-io/go-e2ee/olmdevice"
	"go.uber.org/zap"
)

// Dispatcher resolves the algorithm of each message through a Registry. Optional decryptor hooks
// fall back to no-ops when the group decryptor does not implement them.
type Dispatcher struct {
	log      *zap.SugaredLogger
	registry *Registry
	metrics  *metrics.Metrics
}

// NewDispatcher fails when either the pairwise or the group algorithm is missing from r.
func NewDispatcher(log *zap.SugaredLogger, r *Registry, m *metrics.Metrics) (*Dispatcher, error) {
	for _, alg := range []string{OlmAlgorithm, MegolmAlgorithm} {
		if _, err := r.Encryptor(alg); err != nil {
			return nil, err
		}
		if _, err := r.Decryptor(alg); err != nil {
			return nil, err
		}
	}
	return &Dispatcher{log: log, registry: r, metrics: m}, nil
}

func (d *Dispatcher) encrypt(ctx context.Context, alg string, t *Target, content []byte) (*EncryptedContent, error) {
	e, err := d.registry.Encryptor(alg)
	if err != nil {
		return nil, err
	}
	return e.Encrypt(ctx, t, content)
}

// EncryptGroup encrypts content for a conversation with its group session.
func (d *Dispatcher) EncryptGroup(ctx context.Context, conversationID string, content []byte) (*EncryptedContent, error) {
	return d.encrypt(ctx, MegolmAlgorithm, &Target{ConversationID: conversationID}, content)
}

// EncryptToDevices encrypts content separately for every device of the users.
func (d *Dispatcher) EncryptToDevices(ctx context.Context, userIDs []string, content []byte) (*EncryptedContent, error) {
	return d.encrypt(ctx, OlmAlgorithm, &Target{UserIDs: userIDs}, content)
}

// EncryptForDevices encrypts content for the listed devices only.
func (d *Dispatcher) EncryptForDevices(ctx context.Context, devicesByUser map[string][]*devicelist.DeviceInfo, content []byte) (*EncryptedContent, error) {
	e, err := d.registry.Encryptor(OlmAlgorithm)
	if err != nil {
		return nil, err
	}
	o, ok := e.(*Olm)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot target devices", ErrUnknownAlgorithm, OlmAlgorithm)
	}
	return o.EncryptForDevices(ctx, devicesByUser, "", content)
}

// EncryptToDeviceMessage encodes a to-device message and encrypts it for the users.
func (d *Dispatcher) EncryptToDeviceMessage(ctx context.Context, userIDs []string, msg *ToDeviceMessage) (*EncryptedContent, error) {
	content, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("algorithms: error encoding to-device message: %w", err)
	}
	return d.EncryptToDevices(ctx, userIDs, content)
}

func (d *Dispatcher) DecryptEvent(ctx context.Context, ev *Event) (*DecryptionResult, error) {
	if ev.Content == nil {
		return nil, newDecryptionError(CodeMegolmMissingFields, "Missing content", nil, nil)
	}
	dec, err := d.registry.Decryptor(ev.Content.Algorithm)
	if err != nil {
		return nil, err
	}
	res, err := dec.Decrypt(ctx, ev)
	d.observe(ev.Content.Algorithm, err)
	return res, err
}

func (d *Dispatcher) observe(alg string, err error) {
	if d.metrics == nil {
		return
	}
	if err == nil {
		d.metrics.Decrypted.WithLabelValues(alg).Inc()
		return
	}
	code := "UNKNOWN"
	var de *DecryptionError
	if errors.As(err, &de) {
		code = de.Code
	}
	d.metrics.DecryptionFailures.WithLabelValues(code).Inc()
}

// DecryptToDeviceMessage decrypts a pairwise event and decodes the to-device message inside.
func (d *Dispatcher) DecryptToDeviceMessage(ctx context.Context, ev *Event) (*ToDeviceMessage, *DecryptionResult, error) {
	res, err := d.DecryptEvent(ctx, ev)
	if err != nil {
		return nil, nil, err
	}
	msg := &ToDeviceMessage{}
	if err := cbor.Unmarshal(res.Content, msg); err != nil {
		return nil, nil, fmt.Errorf("algorithms: error decoding to-device message: %w", err)
	}
	return msg, res, nil
}

func (d *Dispatcher) roomKeyHandler(alg string) RoomKeyHandler {
	dec, err := d.registry.Decryptor(alg)
	if err != nil {
		return nil
	}
	h, _ := dec.(RoomKeyHandler)
	return h
}

// OnRoomKeyEvent hands a received session key to the decryptor of its algorithm.
func (d *Dispatcher) OnRoomKeyEvent(ctx context.Context, forwarder string, key *RoomKey) error {
	h := d.roomKeyHandler(key.Algorithm)
	if h == nil {
		d.log.Warnf("no room key handler for algorithm %s", key.Algorithm)
		return nil
	}
	return h.OnRoomKeyEvent(ctx, forwarder, key)
}

func (d *Dispatcher) OnRoomKeyWithheldEvent(ctx context.Context, w *Withheld) error {
	h := d.roomKeyHandler(MegolmAlgorithm)
	if h == nil {
		return nil
	}
	return h.OnRoomKeyWithheldEvent(ctx, w)
}

func (d *Dispatcher) ImportRoomKey(ctx context.Context, s *olmdevice.ExportedGroupSession, untrusted bool) error {
	h := d.roomKeyHandler(MegolmAlgorithm)
	if h == nil {
		return nil
	}
	return h.ImportRoomKey(ctx, s, untrusted)
}

func (d *Dispatcher) HasKeysForKeyRequest(req *KeyRequest) (bool, error) {
	dec, err := d.registry.Decryptor(MegolmAlgorithm)
	if err != nil {
		return false, err
	}
	c, ok := dec.(KeyRequestChecker)
	if !ok {
		return false, nil
	}
	return c.HasKeysForKeyRequest(req)
}

func (d *Dispatcher) ShareKeysWithDevices(ctx context.Context, conversationID string, devicesByUser map[string][]*devicelist.DeviceInfo) error {
	dec, err := d.registry.Decryptor(MegolmAlgorithm)
	if err != nil {
		return err
	}
	s, ok := dec.(KeySharer)
	if !ok {
		return nil
	}
	return s.ShareKeysWithDevices(ctx, conversationID, devicesByUser)
}

func (d *Dispatcher) RetryDecryptionFromSender(ctx context.Context, senderKey string) bool {
	dec, err := d.registry.Decryptor(MegolmAlgorithm)
	if err != nil {
		return false
	}
	r, ok := dec.(SenderRetrier)
	if !ok {
		return false
	}
	return r.RetryDecryptionFromSender(ctx, senderKey)
}
