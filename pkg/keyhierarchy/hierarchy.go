// Package keyhierarchy implements the master→dataset→capsule key
// derivation chain (spec §4.2). No derived key is ever persisted; every
// derivation re-walks the chain from the session's passphrase and salt,
// and intermediate keys are zeroized before the call returns (I2).
package keyhierarchy

import (
	"fmt"

	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
	"github.com/lazyaudit-labs/engine/pkg/zeroize"
)

// DeriveMaster runs PBKDF2-HMAC-SHA-256 over passphrase and salt. If salt
// is nil a fresh 32-byte salt is drawn from the CSPRNG. The returned salt
// must be retained by the caller (typically inside a KeySession) since it
// is required to rederive the same master key later.
func DeriveMaster(passphrase, salt []byte, iterations int) (masterKey, usedSalt []byte, err error) {
	if iterations <= 0 {
		iterations = cryptoprim.PBKDF2Iterations
	}
	if salt == nil {
		salt, err = cryptoprim.CSPRNG(cryptoprim.SaltLength)
		if err != nil {
			return nil, nil, fmt.Errorf("keyhierarchy: generate salt: %w", err)
		}
	} else if len(salt) != cryptoprim.SaltLength {
		return nil, nil, fmt.Errorf("keyhierarchy: salt must be %d bytes, got %d", cryptoprim.SaltLength, len(salt))
	}
	key := cryptoprim.PBKDF2HMACSHA256(passphrase, salt, iterations, cryptoprim.KeyLength)
	return key, salt, nil
}

// DeriveDataset derives a dataset key from a master key: HMAC(master,
// SHA-256(dataset_id)).
func DeriveDataset(masterKey []byte, datasetID string) [32]byte {
	idHash := cryptoprim.SHA256([]byte(datasetID))
	return cryptoprim.HMACSHA256(masterKey, idHash[:])
}

// DeriveCapsule derives a capsule key from a dataset key: HMAC(dataset_key,
// SHA-256(identifier)) where identifier is sampleID optionally suffixed
// with ":"+sessionCtx.
func DeriveCapsule(datasetKey [32]byte, sampleID, sessionCtx string) [32]byte {
	identifier := sampleID
	if sessionCtx != "" {
		identifier = identifier + ":" + sessionCtx
	}
	idHash := cryptoprim.SHA256([]byte(identifier))
	return cryptoprim.HMACSHA256(datasetKey[:], idHash[:])
}

// deriveChain walks master->dataset->capsule for one (sampleID, sessionCtx)
// pair, zeroizing the master and dataset keys before returning the capsule
// key (I2). The passphrase buffer itself is never modified here; it is
// owned and zeroized by the session on close.
func deriveChain(passphrase []byte, salt []byte, iterations int, datasetID, sampleID, sessionCtx string) ([32]byte, error) {
	master, _, err := DeriveMaster(passphrase, salt, iterations)
	if err != nil {
		return [32]byte{}, err
	}
	defer zeroize.ZeroBytes(master)

	datasetKey := DeriveDataset(master, datasetID)
	defer zeroize.ZeroBytes(datasetKey[:])

	return DeriveCapsule(datasetKey, sampleID, sessionCtx), nil
}
