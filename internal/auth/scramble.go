package auth

import "crypto/rand"

// ScrambleLen is the random challenge length the server sends in its
// AuthSwitchRequest, matching Ed25519Authenticator::ED_SCRAMBLE_LEN.
const ScrambleLen = 32

// NewScramble generates a fresh random challenge.
func NewScramble() ([]byte, error) {
	s := make([]byte, ScrambleLen)
	if _, err := rand.Read(s); err != nil {
		return nil, err
	}
	return s, nil
}
