package auth

import (
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// ClientState is the proxy-side (server role) exchange state, mirroring
// Ed25519ClientAuthenticator::State's ED_AUTHSWITCH_SENT/
// ED_CHECK_SIGNATURE/DONE steps (the SHA256 RSA-encrypted-password
// branch is not carried over, per SPEC_FULL.md §6 Non-goals).
type ClientState int

const (
	ClientInit ClientState = iota
	ClientAwaitingSignature
	ClientDone
)

// Result is the outcome of a completed authenticate() call.
type Result int

const (
	ResultPending Result = iota
	ResultSuccess
	ResultFailWrongSignature
	ResultFailMalformed
)

// ClientAuthenticator drives one client's Ed25519 challenge/response,
// verifying a signature against a previously-provisioned public key
// (the account's "auth string" equivalent, spec.md §6).
type ClientAuthenticator struct {
	state    ClientState
	scramble []byte
	pubKey   ed25519.PublicKey
}

// NewClientAuthenticator binds the exchange to the account's stored
// public key.
func NewClientAuthenticator(pubKey ed25519.PublicKey) *ClientAuthenticator {
	return &ClientAuthenticator{state: ClientInit, pubKey: pubKey}
}

// BeginExchange generates the challenge to send in an AuthSwitchRequest
// and advances to ClientAwaitingSignature, mirroring
// ed_create_auth_change_packet.
func (c *ClientAuthenticator) BeginExchange() ([]byte, error) {
	if c.state != ClientInit {
		return nil, fmt.Errorf("auth: BeginExchange called out of order (state %d)", c.state)
	}
	scramble, err := NewScramble()
	if err != nil {
		return nil, fmt.Errorf("generating scramble: %w", err)
	}
	c.scramble = scramble
	c.state = ClientAwaitingSignature
	return scramble, nil
}

// ReceiveSignature accepts the client's signed-scramble reply,
// mirroring ed_read_signature's length check (a malformed-length
// signature is rejected before any cryptographic check runs).
func (c *ClientAuthenticator) ReceiveSignature(signature []byte) (Result, error) {
	if c.state != ClientAwaitingSignature {
		return ResultFailMalformed, fmt.Errorf("auth: ReceiveSignature called out of order (state %d)", c.state)
	}
	if len(signature) != ed25519.SignatureSize {
		c.state = ClientDone
		return ResultFailMalformed, fmt.Errorf("auth: signature length %d, want %d", len(signature), ed25519.SignatureSize)
	}
	ok := ed25519.Verify(c.pubKey, c.scramble, signature)
	c.state = ClientDone
	if !ok {
		return ResultFailWrongSignature, nil
	}
	return ResultSuccess, nil
}
