package udsclient

import (
	"context"
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/chmike/cmac-go"

	"github.com/LoveWonYoung/conuds/logrecorder"
)

// ErrBadSecurityLevel is returned for even (send-key) or zero levels.
var ErrBadSecurityLevel = errors.New("security level must be an odd request-seed sub-function")

// ComputeKey derives the Security Access key as AES-CMAC(secret, seed).
// secret must be a valid AES key length.
func ComputeKey(secret, seed []byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, secret)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	mac.Write(seed)
	return mac.Sum(nil), nil
}

// RequestSeed sends [0x27, level] and returns the seed bytes.
func (c *Client) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	if level == 0 || level%2 == 0 {
		return nil, ErrBadSecurityLevel
	}
	resp, err := c.transact(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != level {
		return nil, &ProtocolError{ServiceID: SIDSecurityAccess, Reason: "seed reply does not echo the level", Data: resp}
	}
	return resp[2:], nil
}

// SendKey sends [0x27, level+1, key...].
func (c *Client) SendKey(ctx context.Context, level byte, key []byte) error {
	if level == 0 || level%2 == 0 {
		return ErrBadSecurityLevel
	}
	buf := append([]byte{SIDSecurityAccess, level + 1}, key...)
	_, err := c.transact(ctx, buf)
	return err
}

// Unlock runs the seed/key exchange for level. An all-zero seed means the
// level is already unlocked and no key is sent.
func (c *Client) Unlock(ctx context.Context, level byte, secret []byte) error {
	seed, err := c.RequestSeed(ctx, level)
	if err != nil {
		return fmt.Errorf("request seed: %w", err)
	}
	if allZero(seed) {
		logrecorder.Debugf("[uds] security level 0x%02X already unlocked", level)
		return nil
	}
	key, err := ComputeKey(secret, seed)
	if err != nil {
		return err
	}
	if err := c.SendKey(ctx, level, key); err != nil {
		return fmt.Errorf("send key: %w", err)
	}
	logrecorder.Debugf("[uds] security level 0x%02X unlocked", level)
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
