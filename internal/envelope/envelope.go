// Package envelope implements the blob envelope format described in
// spec.md §6: a 32-byte random file id, a 12-byte IV, and a
// ciphertext-with-auth-tag, concatenated into a single opaque blob. The
// actual cryptographic transform is an external collaborator per spec.md §1
// ("envelope-format cryptography: treated as an opaque transform on
// bytes") — this package only constructs and parses the container, it does
// not encrypt or decrypt.
package envelope

import (
	"encoding/binary"
	"encoding/json"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
)

const (
	fileIDLen = 32
	ivLen     = 12
)

// Envelope is the parsed container: a file id, an IV, and the opaque
// ciphertext-with-tag payload.
type Envelope struct {
	FileID     [fileIDLen]byte
	IV         [ivLen]byte
	Ciphertext []byte
}

// Build concatenates fileID || iv || ciphertext into a single blob, per
// spec.md §6.
func Build(fileID [fileIDLen]byte, iv [ivLen]byte, ciphertext []byte) []byte {
	out := make([]byte, 0, fileIDLen+ivLen+len(ciphertext))
	out = append(out, fileID[:]...)
	out = append(out, iv[:]...)
	out = append(out, ciphertext...)
	return out
}

// legacy magic bytes recognized on download (spec.md §6).
var (
	magicWALRUS1 = []byte("WALRUS1")
	magicWALRUS2 = []byte("WALRUS2")
)

// LegacyHeader is the JSON header embedded in a WALRUS1/WALRUS2 envelope.
type LegacyHeader map[string]any

// Parse recognizes both the current envelope (fileId‖iv‖ciphertext) and the
// legacy magic‖u32-be header length‖JSON header‖ciphertext format, per
// spec.md §6.
func Parse(blob []byte) (*Envelope, *LegacyHeader, error) {
	if hasMagic(blob, magicWALRUS1) || hasMagic(blob, magicWALRUS2) {
		return parseLegacy(blob)
	}
	return parseCurrent(blob)
}

func hasMagic(blob, magic []byte) bool {
	return len(blob) >= len(magic) && string(blob[:len(magic)]) == string(magic)
}

func parseCurrent(blob []byte) (*Envelope, *LegacyHeader, error) {
	if len(blob) < fileIDLen+ivLen {
		return nil, nil, apierr.New(apierr.InputInvalid, "envelope: blob too short")
	}
	var env Envelope
	copy(env.FileID[:], blob[:fileIDLen])
	copy(env.IV[:], blob[fileIDLen:fileIDLen+ivLen])
	env.Ciphertext = blob[fileIDLen+ivLen:]
	return &env, nil, nil
}

func parseLegacy(blob []byte) (*Envelope, *LegacyHeader, error) {
	magicLen := len(magicWALRUS1) // both magics are the same length
	if len(blob) < magicLen+4 {
		return nil, nil, apierr.New(apierr.InputInvalid, "envelope: legacy blob too short")
	}
	hdrLen := binary.BigEndian.Uint32(blob[magicLen : magicLen+4])
	start := magicLen + 4
	end := start + int(hdrLen)
	if end > len(blob) {
		return nil, nil, apierr.New(apierr.InputInvalid, "envelope: legacy header length out of range")
	}

	var hdr LegacyHeader
	if err := json.Unmarshal(blob[start:end], &hdr); err != nil {
		return nil, nil, apierr.Wrap(apierr.InputInvalid, "envelope: legacy header decode", err)
	}

	return &Envelope{Ciphertext: blob[end:]}, &hdr, nil
}
