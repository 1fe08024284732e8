package alerts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/stream-alerts/crypto"
	"github.com/onnwee/stream-alerts/oauth"
)

// State is the persisted per-platform blob.
type State struct {
	AccessToken            string     `json:"accessToken"`
	RefreshToken           string     `json:"refreshToken"`
	Expiry                 *time.Time `json:"expiry,omitempty"`
	GuildSubscriptionIndex Index      `json:"guildSubscriptionIndex"`
	// EncryptionVersion is 0 for plaintext tokens, crypto.VersionAESGCM when sealed.
	EncryptionVersion int `json:"encryptionVersion,omitempty"`
}

// Snapshot serializes the credential and the guild index. Tokens are sealed
// when sealer is non-nil.
func (r *Reconciler) Snapshot(cred oauth.Credential, sealer crypto.Sealer) (json.RawMessage, error) {
	st := State{
		AccessToken:            cred.AccessToken,
		RefreshToken:           cred.RefreshToken,
		GuildSubscriptionIndex: r.Index(),
	}
	if !cred.ExpiresAt.IsZero() {
		exp := cred.ExpiresAt.UTC()
		st.Expiry = &exp
	}
	return st.Encode(sealer)
}

// Encode marshals plaintext st, sealing its tokens when sealer is non-nil.
func (st State) Encode(sealer crypto.Sealer) (json.RawMessage, error) {
	if sealer != nil {
		var err error
		if st.AccessToken, err = sealer.Seal(st.AccessToken); err != nil {
			return nil, fmt.Errorf("seal access token: %w", err)
		}
		if st.RefreshToken, err = sealer.Seal(st.RefreshToken); err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
		st.EncryptionVersion = crypto.VersionAESGCM
	} else {
		st.EncryptionVersion = 0
	}
	return json.Marshal(st)
}

// Restore loads a blob written by Snapshot, installs its guild index and
// returns the credential. An empty blob restores nothing.
func (r *Reconciler) Restore(raw json.RawMessage, sealer crypto.Sealer) (oauth.Credential, error) {
	if len(raw) == 0 {
		return oauth.Credential{}, nil
	}
	st, err := DecodeState(raw, sealer)
	if err != nil {
		return oauth.Credential{}, err
	}
	r.SetIndex(st.GuildSubscriptionIndex)
	cred := oauth.Credential{AccessToken: st.AccessToken, RefreshToken: st.RefreshToken}
	if st.Expiry != nil {
		cred.ExpiresAt = *st.Expiry
	}
	return cred, nil
}

// DecodeState parses a blob and opens sealed tokens.
func DecodeState(raw json.RawMessage, sealer crypto.Sealer) (State, error) {
	var st State
	err := json.Unmarshal(raw, &st)
	if err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	switch st.EncryptionVersion {
	case 0:
	case crypto.VersionAESGCM:
		if sealer == nil {
			return State{}, fmt.Errorf("state has sealed tokens but no encryption key is configured")
		}
		if st.AccessToken, err = openField(sealer, st.AccessToken); err != nil {
			return State{}, fmt.Errorf("open access token: %w", err)
		}
		if st.RefreshToken, err = openField(sealer, st.RefreshToken); err != nil {
			return State{}, fmt.Errorf("open refresh token: %w", err)
		}
		st.EncryptionVersion = 0
	default:
		return State{}, fmt.Errorf("unsupported encryption version %d", st.EncryptionVersion)
	}
	return st, nil
}

func openField(s crypto.Sealer, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return s.Open(v)
}
