// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/nabu-platform/triton/lib/keystore"
)

func selfSigned(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, certificate, err := GenerateSelfSigned(Subject{CommonName: cn, Organisation: "Test"}, 1024, 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	return key.(*rsa.PrivateKey), certificate
}

func TestTrustSymmetry(t *testing.T) {
	_, certificate := selfSigned(t, "alice")
	store := keystore.Create()
	evaluator := NewEvaluator(nil)

	if evaluator.IsTrusted([]*x509.Certificate{certificate}, store) {
		t.Fatal("empty store trusted a certificate")
	}
	store.SetTrusted("user-alice", certificate)
	if !evaluator.IsTrusted([]*x509.Certificate{certificate}, store) {
		t.Fatal("explicitly trusted certificate not trusted")
	}
	store.Delete("user-alice")
	if evaluator.IsTrusted([]*x509.Certificate{certificate}, store) {
		t.Fatal("deleted certificate still trusted")
	}
}

func TestSelfTrust(t *testing.T) {
	key, certificate := selfSigned(t, "me")
	store := keystore.Create()
	if err := store.SetPrivateKey("profile", key, []*x509.Certificate{certificate}, "pw"); err != nil {
		t.Fatal(err)
	}
	// The certificate was never added to the trusted set, but it is
	// the certificate half of our own key entry.
	if !NewEvaluator(nil).IsTrusted([]*x509.Certificate{certificate}, store) {
		t.Fatal("own key's certificate not trusted")
	}
}

func TestChainPathValidation(t *testing.T) {
	rootKey, rootCert := selfSigned(t, "root-ca")

	// A leaf signed by the root, where only the root is trusted.
	leafKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	store := keystore.Create()
	store.SetTrusted("user-root", rootCert)
	evaluator := NewEvaluator(nil)
	if !evaluator.IsTrusted([]*x509.Certificate{leaf}, store) {
		t.Fatal("leaf signed by trusted root not trusted")
	}

	// An unrelated self-signed leaf must not ride along.
	_, stranger := selfSigned(t, "stranger")
	if evaluator.IsTrusted([]*x509.Certificate{stranger}, store) {
		t.Fatal("unrelated certificate trusted")
	}
}

func TestEmptyChain(t *testing.T) {
	store := keystore.Create()
	if NewEvaluator(nil).IsTrusted(nil, store) {
		t.Fatal("empty chain trusted")
	}
}

func TestAlias(t *testing.T) {
	_, certificate := selfSigned(t, "deploy-bot")
	if got := Alias(certificate); got != "deploy-bot" {
		t.Errorf("Alias = %q", got)
	}
}

func TestPEMRoundTrip(t *testing.T) {
	_, certificate := selfSigned(t, "alice")
	parsed, err := ParseCertificatePEM(EncodeCertificatePEM(certificate))
	if err != nil {
		t.Fatalf("ParseCertificatePEM: %v", err)
	}
	if !parsed.Equal(certificate) {
		t.Error("PEM round trip changed the certificate")
	}
}

func TestStagingRecordListLoadRemove(t *testing.T) {
	dir := t.TempDir()
	staging := NewStaging(dir)
	_, certificate := selfSigned(t, "unknown peer")

	name, err := staging.Record(certificate)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	// Recording again is a no-op yielding the same name.
	again, err := staging.Record(certificate)
	if err != nil || again != name {
		t.Fatalf("second Record = %q, %v", again, err)
	}

	names, err := staging.List()
	if err != nil || len(names) != 1 || names[0] != name {
		t.Fatalf("List = %v, %v", names, err)
	}

	loaded, err := staging.Load(name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Equal(certificate) {
		t.Error("staged certificate changed")
	}

	if err := staging.Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	names, _ = staging.List()
	if len(names) != 0 {
		t.Errorf("List after Remove = %v", names)
	}
	// Removing again is a no-op.
	if err := staging.Remove(name); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestStagingRejectsTraversal(t *testing.T) {
	staging := NewStaging(t.TempDir())
	for _, name := range []string{"../evil.crt", "a/b.crt", "noext", ".crt"} {
		if _, err := staging.Load(name); err == nil {
			t.Errorf("Load(%q) accepted", name)
		}
		if err := staging.Remove(name); err == nil {
			t.Errorf("Remove(%q) accepted", name)
		}
	}
}

func TestStagingDistinguishesSameSubject(t *testing.T) {
	staging := NewStaging(t.TempDir())
	_, first := selfSigned(t, "clone")
	_, second := selfSigned(t, "clone")
	nameA, err := staging.Record(first)
	if err != nil {
		t.Fatal(err)
	}
	nameB, err := staging.Record(second)
	if err != nil {
		t.Fatal(err)
	}
	if nameA == nameB {
		t.Error("two different certificates with the same subject collided")
	}
}
