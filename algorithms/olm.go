package algorithms

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-e2ee/devicelist"
	"github.com/meow-io/go-e2ee/olm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// maximum number of pairwise sessions created at once
const sessionCreationLimit = 8

// Olm encrypts to every device of a set of users with pairwise sessions.
type Olm struct {
	log *zap.SugaredLogger
	p   *Params
}

func NewOlm(p *Params) *Olm {
	return &Olm{log: p.Config.Logger("algorithms"), p: p}
}

func (o *Olm) Encrypt(ctx context.Context, t *Target, content []byte) (*EncryptedContent, error) {
	if len(content) > o.p.Config.MaxPlaintextLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPlaintextTooLong, len(content))
	}
	devices, err := o.p.Devices.DownloadKeys(ctx, t.UserIDs, false)
	if err != nil {
		return nil, err
	}
	byUser := make(map[string][]*devicelist.DeviceInfo, len(devices))
	for userID, ds := range devices {
		for _, d := range ds {
			byUser[userID] = append(byUser[userID], d)
		}
	}
	return o.EncryptForDevices(ctx, byUser, t.ConversationID, content)
}

// EncryptForDevices encrypts content for exactly the given devices, establishing missing
// sessions first.
func (o *Olm) EncryptForDevices(ctx context.Context, devicesByUser map[string][]*devicelist.DeviceInfo, conversationID string, content []byte) (*EncryptedContent, error) {
	if len(content) > o.p.Config.MaxPlaintextLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPlaintextTooLong, len(content))
	}
	if _, err := o.EnsureSessionsForDevices(ctx, devicesByUser); err != nil {
		return nil, err
	}

	out := &EncryptedContent{
		Algorithm:     OlmAlgorithm,
		SenderKey:     o.p.Device.DeviceCurve25519Key,
		OlmCiphertext: make(map[string]*OlmMessage),
	}
	for _, userID := range sortedUsers(devicesByUser) {
		for _, d := range devicesByUser[userID] {
			if d.IdentityKey() == o.p.Device.DeviceCurve25519Key {
				continue
			}
			if err := o.encryptForDevice(ctx, out.OlmCiphertext, userID, d, conversationID, content); err != nil {
				return nil, err
			}
		}
	}
	if o.p.Metrics != nil {
		o.p.Metrics.Encrypted.WithLabelValues(OlmAlgorithm).Inc()
	}
	return out, nil
}

func sortedUsers(byUser map[string][]*devicelist.DeviceInfo) []string {
	users := maps.Keys(byUser)
	slices.Sort(users)
	return users
}

// encryptForDevice adds the ciphertext for one device to out. Devices we hold no session with
// are skipped.
func (o *Olm) encryptForDevice(ctx context.Context, out map[string]*OlmMessage, userID string, d *devicelist.DeviceInfo, conversationID string, content []byte) error {
	key := d.IdentityKey()
	sessionID, err := o.p.Device.GetSessionIDForDevice(ctx, key, false)
	if err != nil {
		return err
	}
	if sessionID == "" {
		o.log.Debugf("unable to find olm session for device %s:%s", userID, d.DeviceID)
		return nil
	}
	o.log.Debugf("using olm session %s for device %s:%s", sessionID, userID, d.DeviceID)

	payload, err := cbor.Marshal(&OlmPayload{
		Sender:         o.p.UserID,
		SenderDevice:   o.p.DeviceID,
		Keys:           KeyMap{Ed25519: o.p.Device.DeviceEd25519Key},
		Recipient:      userID,
		RecipientKeys:  KeyMap{Ed25519: d.Fingerprint()},
		ConversationID: conversationID,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("algorithms: error encoding olm payload: %w", err)
	}
	ct, err := o.p.Device.EncryptMessage(key, sessionID, payload)
	if err != nil {
		return err
	}
	out[key] = &OlmMessage{Type: ct.Type, Body: ct.Body}
	return nil
}

// EnsureSessionsForDevices makes sure we hold a pairwise session with every device, creating
// missing ones from the devices' published fallback keys. It returns the session id per user
// and device id, "" where no session could be established.
func (o *Olm) EnsureSessionsForDevices(ctx context.Context, devicesByUser map[string][]*devicelist.DeviceInfo) (map[string]map[string]string, error) {
	own := o.p.Device.DeviceCurve25519Key
	var keys []string
	for _, devices := range devicesByUser {
		for _, d := range devices {
			if d.IdentityKey() != own {
				keys = append(keys, d.IdentityKey())
			}
		}
	}
	release := o.p.Device.MarkSessionsInProgress(keys...)
	defer release()

	result := make(map[string]map[string]string, len(devicesByUser))
	missing := make(map[string][]string)
	for userID, devices := range devicesByUser {
		result[userID] = make(map[string]string, len(devices))
		for _, d := range devices {
			if d.IdentityKey() == own {
				o.log.Debugf("attempted to start session with ourself, ignoring")
				result[userID][d.DeviceID] = ""
				continue
			}
			sessionID, err := o.p.Device.GetSessionIDForDevice(ctx, d.IdentityKey(), true)
			if err != nil {
				return nil, err
			}
			result[userID][d.DeviceID] = sessionID
			if sessionID == "" {
				o.log.Debugf("making new olm session for %s (%s:%s)", d.IdentityKey(), userID, d.DeviceID)
				missing[userID] = append(missing[userID], d.DeviceID)
			}
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	fallbackKeys, err := o.p.Devices.FallbackKeys(ctx, missing)
	if err != nil {
		return nil, err
	}

	type job struct {
		userID string
		device *devicelist.DeviceInfo
		key    *devicelist.FallbackKey
	}
	var jobs []job
	for userID, deviceIDs := range missing {
		for _, d := range devicesByUser[userID] {
			if !slices.Contains(deviceIDs, d.DeviceID) {
				continue
			}
			fbk := fallbackKeys[userID][d.DeviceID]
			if fbk == nil {
				o.log.Debugf("no fallback key for device %s:%s", userID, d.DeviceID)
				continue
			}
			jobs = append(jobs, job{userID: userID, device: d, key: fbk})
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sessionCreationLimit)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			sessionID := o.verifyKeyAndStartSession(gctx, j.userID, j.device, j.key)
			mu.Lock()
			result[j.userID][j.device.DeviceID] = sessionID
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Olm) verifyKeyAndStartSession(ctx context.Context, userID string, d *devicelist.DeviceInfo, fbk *devicelist.FallbackKey) string {
	if err := olm.VerifySignature(d.Fingerprint(), []byte(fbk.Key), fbk.Signature); err != nil {
		o.log.Warnf("unable to verify signature on fallback key for device %s:%s: %s", userID, d.DeviceID, err)
		return ""
	}
	sessionID, created, err := o.p.Device.EnsureOutboundSession(ctx, d.IdentityKey(), fbk.Key)
	if err != nil {
		o.log.Warnf("error starting olm session with device %s:%s: %s", userID, d.DeviceID, err)
		return ""
	}
	if created {
		o.log.Debugf("started new olm session %s for device %s:%s", sessionID, userID, d.DeviceID)
		if o.p.Metrics != nil {
			o.p.Metrics.OlmSessionsCreated.Inc()
		}
	}
	return sessionID
}

func (o *Olm) Decrypt(ctx context.Context, ev *Event) (*DecryptionResult, error) {
	c := ev.Content
	if c.SenderKey == "" {
		return nil, newDecryptionError(CodeOlmMissingSenderKey, "Missing sender key", nil, nil)
	}
	if len(c.OlmCiphertext) == 0 {
		return nil, newDecryptionError(CodeOlmMissingCiphertext, "Missing ciphertext", nil, nil)
	}
	own := o.p.Device.DeviceCurve25519Key
	if own == "" {
		return nil, newDecryptionError(CodeOlmMissingDeviceKey, "Missing device key", nil, nil)
	}
	msg, ok := c.OlmCiphertext[own]
	if !ok || msg == nil {
		return nil, newDecryptionError(CodeOlmNotIncludedInRecipients, "Not included in recipients", nil, nil)
	}

	plaintext, err := o.decryptMessage(ctx, c.SenderKey, msg)
	if err != nil {
		return nil, newDecryptionError(CodeOlmBadEncryptedMessage, "Bad Encrypted Message", map[string]string{"sender": c.SenderKey}, err)
	}
	payload := &OlmPayload{}
	if err := cbor.Unmarshal(plaintext, payload); err != nil {
		return nil, newDecryptionError(CodeOlmBadEncryptedMessage, "Bad Encrypted Message", map[string]string{"sender": c.SenderKey}, err)
	}

	// checks the recipient to avoid unknown key share attacks
	if payload.Recipient != o.p.UserID {
		return nil, newDecryptionError(CodeOlmBadRecipient, "Message was intended for "+payload.Recipient, nil, nil)
	}
	if payload.RecipientKeys.Ed25519 != o.p.Device.DeviceEd25519Key {
		return nil, newDecryptionError(CodeOlmBadRecipientKey, "Message not intended for this device", map[string]string{
			"intended": payload.RecipientKeys.Ed25519,
			"our_key":  o.p.Device.DeviceEd25519Key,
		}, nil)
	}

	// an unknown device is assumed to have logged out
	if _, err := o.p.Devices.DownloadKeys(ctx, []string{ev.Sender}, false); err != nil {
		o.log.Warnf("error downloading keys for %s: %s", ev.Sender, err)
	}
	if owner, ok := o.p.Devices.UserByIdentityKey(OlmAlgorithm, c.SenderKey); ok && owner != ev.Sender {
		return nil, newDecryptionError(CodeOlmBadSender, "Message claimed to be from "+ev.Sender, map[string]string{"real_sender": owner}, nil)
	}
	if payload.Sender != ev.Sender {
		return nil, newDecryptionError(CodeOlmForwardedMessage, "Message forwarded from "+payload.Sender, map[string]string{"reported_sender": ev.Sender}, nil)
	}
	if payload.ConversationID != "" && payload.ConversationID != ev.ConversationID {
		return nil, newDecryptionError(CodeOlmBadRoom, "Message intended for room "+payload.ConversationID, map[string]string{"reported_room": ev.ConversationID}, nil)
	}

	return &DecryptionResult{
		Content:           payload.Content,
		SenderKey:         c.SenderKey,
		ClaimedEd25519Key: payload.Keys.Ed25519,
		ConversationID:    payload.ConversationID,
	}, nil
}

// decryptMessage serializes prekey messages per sending device: deciding there is no matching
// session and creating one consumes the fallback key, so it may only happen once at a time.
func (o *Olm) decryptMessage(ctx context.Context, theirIdentityKey string, msg *OlmMessage) ([]byte, error) {
	if msg.Type != olm.MessageTypePreKey {
		return o.reallyDecryptMessage(ctx, theirIdentityKey, msg)
	}
	var plaintext []byte
	err := o.p.Device.WithPrekeyLock(theirIdentityKey, func() error {
		var err error
		plaintext, err = o.reallyDecryptMessage(ctx, theirIdentityKey, msg)
		return err
	})
	return plaintext, err
}

func (o *Olm) reallyDecryptMessage(ctx context.Context, theirIdentityKey string, msg *OlmMessage) ([]byte, error) {
	sessionIDs, err := o.p.Device.GetSessionIDsForDevice(ctx, theirIdentityKey)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, sessionID := range sessionIDs {
		plaintext, err := o.p.Device.DecryptMessage(theirIdentityKey, sessionID, msg.Type, msg.Body)
		if err == nil {
			o.log.Debugf("decrypted olm message from %s with session %s", theirIdentityKey, sessionID)
			return plaintext, nil
		}
		matches, merr := o.p.Device.MatchesSession(theirIdentityKey, sessionID, msg.Type, msg.Body)
		if merr != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", sessionID, merr))
			continue
		}
		if matches {
			return nil, fmt.Errorf("%w %s: %w", ErrPrekeySessionMismatch, sessionID, err)
		}
		errs = multierr.Append(errs, fmt.Errorf("session %s: %w", sessionID, err))
	}

	if msg.Type != olm.MessageTypePreKey {
		if len(sessionIDs) == 0 {
			return nil, ErrNoSessions
		}
		return nil, fmt.Errorf("algorithms: error decrypting non-prekey message with existing sessions: %w", errs)
	}

	res, err := o.p.Device.CreateInboundSession(theirIdentityKey, msg.Type, msg.Body)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("new session: %w", err))
		return nil, fmt.Errorf("algorithms: error decrypting prekey message: %w", errs)
	}
	o.log.Debugf("created new inbound olm session %s with %s", res.SessionID, theirIdentityKey)
	return res.Payload, nil
}

// SessionErrors splits an aggregate decryption failure into the per-session errors.
func SessionErrors(err error) []error {
	var de *DecryptionError
	if errors.As(err, &de) {
		err = de.Cause
	}
	if u := errors.Unwrap(err); u != nil {
		err = u
	}
	return multierr.Errors(err)
}
