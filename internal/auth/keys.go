// Package auth implements the Ed25519 challenge/response exchange
// (spec.md §6), grounded on original_source's
// server/modules/authenticator/Ed25519/ed25519_auth.cc. Only the
// ed25519 signature mode is carried over — the same file's
// caching_sha2_password/RSA-encrypted-password branch is a named
// Non-goal (SPEC_FULL.md §6).
package auth

import (
	"crypto/sha256"

	"golang.org/x/crypto/ed25519"
)

// DeriveKeyPair produces a deterministic Ed25519 keypair from a
// password, the same role the original's crypto_sign_keypair(pk,
// password, password_len) call plays (ed25519_auth.cc
// sha_check_cleartext_pw / ref10's password-seeded keygen). The
// original's ref10 fork accepts an arbitrary-length seed directly;
// golang.org/x/crypto/ed25519 requires exactly SeedSize bytes, so the
// password is first condensed with SHA-256 (32 bytes, matching
// ed25519.SeedSize).
func DeriveKeyPair(password []byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := sha256.Sum256(password)
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// PublicKeyFromPassword is a convenience for the account-provisioning
// path (storing only the public key, never the password, in the user
// table equivalent).
func PublicKeyFromPassword(password string) ed25519.PublicKey {
	pub, _ := DeriveKeyPair([]byte(password))
	return pub
}
