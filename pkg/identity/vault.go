package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/facebookgo/atomicfile"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AppDir is the directory under os.UserConfigDir holding clipring state.
	AppDir = "clipring"
	// FileName is the identity file inside AppDir.
	FileName = "identity.enc"

	fileMode = 0o600
	dirMode  = 0o700
)

// Argon2id parameters for the machine key. The input is low entropy
// (a machine id), so the KDF is deliberately slow.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSalt    = "clipring/storage/v1"
)

type storedIdentity struct {
	Phrase string `json:"phrase"`
}

// Vault persists an Identity encrypted under a key that only the current
// machine can reproduce. Copying the file to another machine makes Load
// fail with ErrIdentityCorrupt; the phrase is the only portable form.
type Vault struct { // A
	path        string
	fingerprint Fingerprinter
}

// NewVault returns a vault at path. A nil fingerprinter uses
// HostFingerprint.
func NewVault(path string, fp Fingerprinter) *Vault { // A
	if fp == nil {
		fp = HostFingerprint
	}
	return &Vault{path: path, fingerprint: fp}
}

// Path returns where the identity lives on disk.
func (v *Vault) Path() string { return v.path } // A

// Exists reports whether an identity file is present.
func (v *Vault) Exists() bool { // A
	_, err := os.Stat(v.path)
	return err == nil
}

// DeviceID returns the id of this machine.
func (v *Vault) DeviceID() (string, error) { // A
	return LocalDeviceID(v.fingerprint)
}

// Create generates a new ring identity and persists it before returning,
// so a crash after the phrase is shown never loses the ring.
func (v *Vault) Create() (*Identity, error) { // A
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := v.Save(id); err != nil {
		return nil, err
	}
	return id, nil
}

// Join restores an identity from phrase and persists it.
func (v *Vault) Join(phrase string) (*Identity, error) { // A
	id, err := Restore(phrase)
	if err != nil {
		return nil, err
	}
	if err := v.Save(id); err != nil {
		return nil, err
	}
	return id, nil
}

// Save writes id atomically with owner-only permissions.
func (v *Vault) Save(id *Identity) error { // A
	key, err := v.machineKey()
	if err != nil {
		return err
	}
	plain, err := json.Marshal(storedIdentity{Phrase: id.phrase})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob := aead.Seal(nonce, nonce, plain, nil)

	if err := os.MkdirAll(filepath.Dir(v.path), dirMode); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	f, err := atomicfile.New(v.path, fileMode)
	if err != nil {
		return fmt.Errorf("open identity file: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		_ = f.Abort()
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("commit identity file: %w", err)
	}
	return nil
}

// Load reads and decrypts the persisted identity.
func (v *Vault) Load() (*Identity, error) { // A
	blob, err := os.ReadFile(v.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: file too short", ErrIdentityCorrupt)
	}

	key, err := v.machineKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce, ct := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt", ErrIdentityCorrupt)
	}

	var stored storedIdentity
	if err := json.Unmarshal(plain, &stored); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrIdentityCorrupt, err)
	}
	id, err := Restore(stored.Phrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentityCorrupt, err)
	}
	return id, nil
}

// Remove deletes the persisted identity. A missing file is not an error.
func (v *Vault) Remove() error { // A
	if err := os.Remove(v.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove identity file: %w", err)
	}
	return nil
}

func (v *Vault) machineKey() ([]byte, error) { // A
	fp, err := v.fingerprint()
	if err != nil {
		return nil, fmt.Errorf("machine fingerprint: %w", err)
	}
	return argon2.IDKey(
		[]byte(fp),
		[]byte(argonSalt),
		argonTime,
		argonMemory,
		argonThreads,
		chacha20poly1305.KeySize,
	), nil
}
