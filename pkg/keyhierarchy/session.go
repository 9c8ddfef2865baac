package keyhierarchy

import (
	"sync"
	"time"

	"github.com/lazyaudit-labs/engine/pkg/cryptoprim"
	"github.com/lazyaudit-labs/engine/pkg/errs"
	"github.com/lazyaudit-labs/engine/pkg/zeroize"
)

// KeySession holds only the inputs required to rederive keys; no derived
// key is ever stored on it (spec §3 KeySession). A KeySession lives in
// memory only: nothing serializes it, so sessions do not survive a process
// restart.
type KeySession struct {
	SessionID  string
	DatasetID  string
	Salt       [32]byte
	Iterations int
	CreatedAt  time.Time

	passphrase *zeroize.Buffer
}

// Manager owns a table of open sessions guarded by a single mutex, per
// spec §5's "session table is mutable and guarded" resource policy.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*KeySession
}

// NewManager constructs an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*KeySession)}
}

// OpenSession registers a new session's inputs without deriving anything.
// If salt is nil, a fresh 32-byte salt is drawn from the CSPRNG here and
// reused for every subsequent derivation within the session.
func (m *Manager) OpenSession(sessionID, datasetID string, passphrase []byte, salt []byte, iterations int) (*KeySession, error) {
	if sessionID == "" || datasetID == "" {
		return nil, errs.New(errs.InvalidArgument, "session id and dataset id are required")
	}
	if salt != nil && len(salt) != cryptoprim.SaltLength {
		return nil, errs.New(errs.InvalidArgument, "salt must be 32 bytes")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session := &KeySession{
		SessionID:  sessionID,
		DatasetID:  datasetID,
		Iterations: iterations,
		CreatedAt:  currentTime(),
		passphrase: zeroize.New(passphrase),
	}
	if salt != nil {
		copy(session.Salt[:], salt)
	} else {
		generated, err := cryptoprim.CSPRNG(cryptoprim.SaltLength)
		if err != nil {
			return nil, err
		}
		copy(session.Salt[:], generated)
	}

	m.sessions[sessionID] = session
	return session, nil
}

// CapsuleKey re-derives the full master→dataset→capsule chain for
// sampleID under sessionID. Intermediate keys are zeroized before this
// function returns (I2); only the capsule key survives, and only on the
// caller's stack.
func (m *Manager) CapsuleKey(sessionID, sampleID, sessionCtx string) ([32]byte, error) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return [32]byte{}, errs.New(errs.UnknownSession, sessionID)
	}

	passphrase := session.passphrase.Bytes()
	if passphrase == nil {
		return [32]byte{}, errs.New(errs.UnknownSession, sessionID+" (closed)")
	}

	return deriveChain(passphrase, session.Salt[:], session.Iterations, session.DatasetID, sampleID, sessionCtx)
}

// EncryptCapsule derives sampleID's capsule key and AEAD-encrypts
// plaintext, binding aad.
func (m *Manager) EncryptCapsule(sessionID, sampleID, sessionCtx string, plaintext, aad []byte) (ciphertext, nonce, tag []byte, err error) {
	key, err := m.CapsuleKey(sessionID, sampleID, sessionCtx)
	defer zeroize.ZeroBytes(key[:])
	if err != nil {
		return nil, nil, nil, err
	}
	return cryptoprim.AESGCMEncrypt(key[:], plaintext, aad)
}

// DecryptCapsule derives sampleID's capsule key and AEAD-decrypts the
// capsule, returning errs.AuthFailure on tag mismatch.
func (m *Manager) DecryptCapsule(sessionID, sampleID, sessionCtx string, ciphertext, nonce, tag, aad []byte) ([]byte, error) {
	key, err := m.CapsuleKey(sessionID, sampleID, sessionCtx)
	defer zeroize.ZeroBytes(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptoprim.AESGCMDecrypt(key[:], ciphertext, nonce, tag, aad)
	if err != nil {
		return nil, errs.Wrap(errs.AuthFailure, "capsule decryption failed", err)
	}
	return plaintext, nil
}

// CloseSession overwrites the session's passphrase buffer byte-for-byte
// and removes the session from the table.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return errs.New(errs.UnknownSession, sessionID)
	}
	session.passphrase.Zero()
	delete(m.sessions, sessionID)
	return nil
}

// CloseAll tears down every open session, used by the orchestrator during
// cleanup.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		session.passphrase.Zero()
		delete(m.sessions, id)
	}
}

// currentTime is a seam so tests can avoid depending on wall-clock time;
// production code always uses time.Now.
var currentTime = time.Now
