// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"
)

// testIdentity generates a small RSA key and matching self-signed
// certificate. 1024 bits keeps the suite fast; production keys are
// RSA-4096.
func testIdentity(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return key, certificate
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authentication.store")
	key, certificate := testIdentity(t, "alice")
	_, trusted := testIdentity(t, "bob")

	store := Create()
	store.SetTrusted("user-bob", trusted)
	if err := store.SetPrivateKey("triton-server", key, []*x509.Certificate{certificate}, "key-pass"); err != nil {
		t.Fatalf("SetPrivateKey: %v", err)
	}
	if err := store.Save(path, "store-pass"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, "store-pass")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.Certificate("user-bob"); got == nil || !got.Equal(trusted) {
		t.Error("trusted certificate lost in round trip")
	}
	chains := loaded.PrivateKeyChains()
	if chain, ok := chains["triton-server"]; !ok || len(chain) != 1 || !chain[0].Equal(certificate) {
		t.Errorf("key chain lost in round trip: %v", chains)
	}
	signer, err := loaded.PrivateKey("triton-server", "key-pass")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if signer == nil {
		t.Fatal("key entry missing after reload")
	}
	loadedKey, ok := signer.(*rsa.PrivateKey)
	if !ok || loadedKey.N.Cmp(key.N) != 0 {
		t.Error("private key changed in round trip")
	}
}

func TestWrongStorePassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	_, certificate := testIdentity(t, "alice")
	store := Create()
	store.SetTrusted("user-alice", certificate)
	if err := store.Save(path, "correct"); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path, "wrong")
	if !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("Load with wrong password: %v, want ErrCorruptStore", err)
	}
}

func TestWrongKeyPassword(t *testing.T) {
	key, certificate := testIdentity(t, "alice")
	store := Create()
	if err := store.SetPrivateKey("p", key, []*x509.Certificate{certificate}, "right"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PrivateKey("p", "wrong"); err == nil {
		t.Fatal("expected error for wrong key password")
	}
}

func TestPerEntryPasswordsAreIndependent(t *testing.T) {
	keyA, certA := testIdentity(t, "a")
	keyB, certB := testIdentity(t, "b")
	store := Create()
	if err := store.SetPrivateKey("a", keyA, []*x509.Certificate{certA}, "pass-a"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPrivateKey("b", keyB, []*x509.Certificate{certB}, "pass-b"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.PrivateKey("a", "pass-a"); err != nil {
		t.Errorf("unlocking a: %v", err)
	}
	if _, err := store.PrivateKey("b", "pass-b"); err != nil {
		t.Errorf("unlocking b: %v", err)
	}
	if _, err := store.PrivateKey("a", "pass-b"); err == nil {
		t.Error("key a unlocked with key b's password")
	}
}

func TestPrivateKeyAbsent(t *testing.T) {
	store := Create()
	signer, err := store.PrivateKey("nope", "irrelevant")
	if err != nil || signer != nil {
		t.Fatalf("absent key: signer=%v err=%v, want nil/nil", signer, err)
	}
}

func TestDelete(t *testing.T) {
	_, certificate := testIdentity(t, "alice")
	store := Create()
	store.SetTrusted("user-alice", certificate)
	store.Delete("user-alice")
	if store.Certificate("user-alice") != nil {
		t.Error("deleted entry still present")
	}
}

func TestNameUniqueAcrossKinds(t *testing.T) {
	key, certificate := testIdentity(t, "alice")
	store := Create()
	store.SetTrusted("alice", certificate)
	if err := store.SetPrivateKey("alice", key, []*x509.Certificate{certificate}, "p"); err != nil {
		t.Fatal(err)
	}
	if len(store.TrustedCertificates()) != 0 {
		t.Error("name kept both a trusted and a key entry")
	}
	if len(store.PrivateKeyChains()) != 1 {
		t.Error("key entry missing")
	}
}

func TestManagerMissingFileIsEmpty(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent.store"), "pw")
	store, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(store.TrustedCertificates()) != 0 {
		t.Error("expected empty store")
	}
}

func TestManagerMutatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	_, certificate := testIdentity(t, "carol")

	m := NewManager(path, "pw")
	err := m.Mutate(func(s *Store) error {
		s.SetTrusted("user-carol", certificate)
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// A fresh manager reads the saved state from disk.
	fresh := NewManager(path, "pw")
	store, err := fresh.Load()
	if err != nil {
		t.Fatal(err)
	}
	if store.Certificate("user-carol") == nil {
		t.Error("mutation not persisted")
	}
}

func TestManagerMutateErrorDropsCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	_, certificate := testIdentity(t, "carol")
	m := NewManager(path, "pw")

	failed := errors.New("abort")
	err := m.Mutate(func(s *Store) error {
		s.SetTrusted("user-carol", certificate)
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("Mutate error = %v", err)
	}
	store, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if store.Certificate("user-carol") != nil {
		t.Error("aborted mutation is visible")
	}
}
