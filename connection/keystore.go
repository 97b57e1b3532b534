package connection

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Alia5/bluecore/hci"
)

const (
	keyFileName   = "keystore.key"
	storeFileName = "link-keys.dat"
	entryLen      = 6 + 16
)

// KeyStore persists baseband link keys, sealed with a locally generated
// key so the bonding secrets never sit on disk in the clear.
type KeyStore struct {
	path string
	aead cipher.AEAD

	mu   sync.Mutex
	keys map[hci.BdAddr]hci.LinkKey
}

// NewKeyStore opens (or initializes) the store in dir. A missing sealing
// key is generated; a missing data file means an empty store.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key store directory: %w", err)
	}
	sealKey, err := loadOrCreateSealKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(sealKey)
	if err != nil {
		return nil, fmt.Errorf("initializing key store cipher: %w", err)
	}
	ks := &KeyStore{
		path: filepath.Join(dir, storeFileName),
		aead: aead,
		keys: make(map[hci.BdAddr]hci.LinkKey),
	}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Get returns the stored link key for a peer.
func (ks *KeyStore) Get(addr hci.BdAddr) (hci.LinkKey, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	key, ok := ks.keys[addr]
	return key, ok
}

// Put stores a link key and persists the store.
func (ks *KeyStore) Put(addr hci.BdAddr, key hci.LinkKey) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[addr] = key
	return ks.save()
}

// Delete drops a bonding, e.g. after the peer rejects our key.
func (ks *KeyStore) Delete(addr hci.BdAddr) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, ok := ks.keys[addr]; !ok {
		return nil
	}
	delete(ks.keys, addr)
	return ks.save()
}

func loadOrCreateSealKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("seal key %s has wrong size %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading seal key: %w", err)
	}
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating seal key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing seal key: %w", err)
	}
	return key, nil
}

func (ks *KeyStore) load() error {
	data, err := os.ReadFile(ks.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading link key store: %w", err)
	}
	if len(data) < ks.aead.NonceSize() {
		return fmt.Errorf("link key store %s is corrupt", ks.path)
	}
	nonce, sealed := data[:ks.aead.NonceSize()], data[ks.aead.NonceSize():]
	plain, err := ks.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("unsealing link key store: %w", err)
	}
	if len(plain)%entryLen != 0 {
		return fmt.Errorf("link key store %s is corrupt", ks.path)
	}
	for off := 0; off < len(plain); off += entryLen {
		var addr hci.BdAddr
		var key hci.LinkKey
		copy(addr[:], plain[off:off+6])
		copy(key[:], plain[off+6:off+entryLen])
		ks.keys[addr] = key
	}
	return nil
}

// save writes the sealed store atomically. Caller holds ks.mu.
func (ks *KeyStore) save() error {
	plain := make([]byte, 0, len(ks.keys)*entryLen)
	for addr, key := range ks.keys {
		plain = append(plain, addr[:]...)
		plain = append(plain, key[:]...)
	}
	nonce := make([]byte, ks.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("sealing link key store: %w", err)
	}
	out := append(nonce, ks.aead.Seal(nil, nonce, plain, nil)...)

	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing link key store: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("writing link key store: %w", err)
	}
	return nil
}
