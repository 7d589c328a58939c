package auth

import (
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// BackendState mirrors Ed25519BackendAuthenticator::State
// (EXPECT_AUTHSWITCH/SIGNATURE_SENT/ERROR): the proxy, holding the
// mapped client password, must answer the real backend's own
// AuthSwitchRequest the same way a genuine client would.
type BackendState int

const (
	BackendExpectAuthSwitch BackendState = iota
	BackendSignatureSent
	BackendError
)

// BackendSigner signs a backend's challenge using the credentials the
// proxy holds on the client's behalf (spec.md §6 "impersonation" —
// the proxy must already know the plaintext password, since Ed25519
// offers no password-less relay), mirroring
// Ed25519BackendAuthenticator.generate_auth_token_packet.
type BackendSigner struct {
	state   BackendState
	privKey ed25519.PrivateKey
}

// NewBackendSigner derives a signer from the mapped password.
func NewBackendSigner(password []byte) *BackendSigner {
	_, priv := DeriveKeyPair(password)
	return &BackendSigner{state: BackendExpectAuthSwitch, privKey: priv}
}

// SignChallenge consumes the backend's AuthSwitchRequest scramble and
// returns the signature packet payload to send back.
func (b *BackendSigner) SignChallenge(scramble []byte) ([]byte, error) {
	if b.state != BackendExpectAuthSwitch {
		return nil, fmt.Errorf("auth: SignChallenge called out of order (state %d)", b.state)
	}
	if len(scramble) != ScrambleLen {
		b.state = BackendError
		return nil, fmt.Errorf("auth: backend scramble length %d, want %d", len(scramble), ScrambleLen)
	}
	sig := ed25519.Sign(b.privKey, scramble)
	b.state = BackendSignatureSent
	return sig, nil
}
