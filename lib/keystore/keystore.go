// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ErrCorruptStore indicates the store file could not be opened: the
// container is damaged or the store password is wrong. age does not
// distinguish the two, so neither do we.
var ErrCorruptStore = errors.New("keystore: corrupt store or wrong password")

// Store is an in-memory certificate store. It is not safe for
// concurrent use; the Manager provides the locking.
type Store struct {
	trusted map[string]*x509.Certificate
	keys    map[string]*keyEntry
}

// keyEntry is a private-key entry: the key sealed under its own
// password, plus the certificate chain in the clear.
type keyEntry struct {
	sealedKey []byte
	chain     []*x509.Certificate
}

// storeFile is the serialized CBOR form.
type storeFile struct {
	Trusted map[string][]byte  `cbor:"trusted"` // name -> DER certificate
	Keys    map[string]keyFile `cbor:"keys"`
}

type keyFile struct {
	SealedKey []byte   `cbor:"key"`   // age-sealed PKCS#8 DER
	Chain     [][]byte `cbor:"chain"` // DER certificates, leaf first
}

// Create returns a new empty store.
func Create() *Store {
	return &Store{
		trusted: make(map[string]*x509.Certificate),
		keys:    make(map[string]*keyEntry),
	}
}

// Load opens the store at path with the given store password. Returns
// ErrCorruptStore (wrapped) when the container cannot be decrypted or
// decoded.
func Load(path, password string) (*Store, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	plain, err := unseal(sealed, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	var file storeFile
	if err := cbor.Unmarshal(plain, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	store := Create()
	for name, der := range file.Trusted {
		certificate, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrCorruptStore, name, err)
		}
		store.trusted[name] = certificate
	}
	for name, entry := range file.Keys {
		chain := make([]*x509.Certificate, 0, len(entry.Chain))
		for _, der := range entry.Chain {
			certificate, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("%w: key entry %q: %v", ErrCorruptStore, name, err)
			}
			chain = append(chain, certificate)
		}
		store.keys[name] = &keyEntry{sealedKey: entry.SealedKey, chain: chain}
	}
	return store, nil
}

// Save writes the store to path, sealed under password. The write goes
// through a temp file and rename so a crash cannot leave a truncated
// store.
func (s *Store) Save(path, password string) error {
	file := storeFile{
		Trusted: make(map[string][]byte, len(s.trusted)),
		Keys:    make(map[string]keyFile, len(s.keys)),
	}
	for name, certificate := range s.trusted {
		file.Trusted[name] = certificate.Raw
	}
	for name, entry := range s.keys {
		chain := make([][]byte, 0, len(entry.chain))
		for _, certificate := range entry.chain {
			chain = append(chain, certificate.Raw)
		}
		file.Keys[name] = keyFile{SealedKey: entry.sealedKey, Chain: chain}
	}
	plain, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	sealed, err := seal(plain, password)
	if err != nil {
		return fmt.Errorf("sealing store: %w", err)
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, sealed, 0o600); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	if err := os.Rename(temp, path); err != nil {
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}

// TrustedCertificates returns the name->certificate mapping of trusted
// entries. The map is a copy; certificates are shared.
func (s *Store) TrustedCertificates() map[string]*x509.Certificate {
	out := make(map[string]*x509.Certificate, len(s.trusted))
	for name, certificate := range s.trusted {
		out[name] = certificate
	}
	return out
}

// PrivateKeyChains returns the certificate chains of all private-key
// entries by name, leaf first. Key material is not exposed.
func (s *Store) PrivateKeyChains() map[string][]*x509.Certificate {
	out := make(map[string][]*x509.Certificate, len(s.keys))
	for name, entry := range s.keys {
		chain := make([]*x509.Certificate, len(entry.chain))
		copy(chain, entry.chain)
		out[name] = chain
	}
	return out
}

// SetTrusted stores a trusted certificate under name, replacing any
// existing entry with that name.
func (s *Store) SetTrusted(name string, certificate *x509.Certificate) {
	delete(s.keys, name)
	s.trusted[name] = certificate
}

// SetPrivateKey stores a private key and its chain under name. The key
// is sealed under keyPassword, which may differ per entry and from the
// store password.
func (s *Store) SetPrivateKey(name string, key crypto.PrivateKey, chain []*x509.Certificate, keyPassword string) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	sealedKey, err := seal(der, keyPassword)
	if err != nil {
		return fmt.Errorf("sealing private key: %w", err)
	}
	delete(s.trusted, name)
	s.keys[name] = &keyEntry{sealedKey: sealedKey, chain: chain}
	return nil
}

// PrivateKey unlocks and returns the private key under name, or nil
// when no such entry exists. A wrong key password returns an error.
func (s *Store) PrivateKey(name, keyPassword string) (crypto.Signer, error) {
	entry, ok := s.keys[name]
	if !ok {
		return nil, nil
	}
	der, err := unseal(entry.sealedKey, keyPassword)
	if err != nil {
		return nil, fmt.Errorf("unlocking key %q: %w", name, err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("decoding key %q: %w", name, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %q does not implement crypto.Signer", name)
	}
	return signer, nil
}

// Certificate returns the certificate under name: a trusted entry's
// certificate or a private-key entry's leaf. Nil when absent.
func (s *Store) Certificate(name string) *x509.Certificate {
	if certificate, ok := s.trusted[name]; ok {
		return certificate
	}
	if entry, ok := s.keys[name]; ok && len(entry.chain) > 0 {
		return entry.chain[0]
	}
	return nil
}

// Chain returns the certificate chain of the private-key entry under
// name, or nil.
func (s *Store) Chain(name string) []*x509.Certificate {
	entry, ok := s.keys[name]
	if !ok {
		return nil
	}
	chain := make([]*x509.Certificate, len(entry.chain))
	copy(chain, entry.chain)
	return chain
}

// Delete removes the entry under name, trusted or key.
func (s *Store) Delete(name string) {
	delete(s.trusted, name)
	delete(s.keys, name)
}
