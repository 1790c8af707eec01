package crypto

import (
	"strings"
	"testing"

	"github.com/cuemby/vpnforge/pkg/types"
)

func TestNewUUID(t *testing.T) {
	a := NewUUID()
	b := NewUUID()
	if a == b {
		t.Error("NewUUID() should not repeat")
	}
	if len(a) != 36 {
		t.Errorf("NewUUID() length = %d, want 36", len(a))
	}
}

func TestGenX25519(t *testing.T) {
	priv, pub, err := GenX25519()
	if err != nil {
		t.Fatalf("GenX25519() error = %v", err)
	}
	if priv == "" || pub == "" {
		t.Fatal("GenX25519() returned empty key material")
	}
	if strings.ContainsAny(priv, "+/=") || strings.ContainsAny(pub, "+/=") {
		t.Error("GenX25519() keys should be URL-safe, unpadded base64")
	}
	priv2, _, _ := GenX25519()
	if priv == priv2 {
		t.Error("GenX25519() should not repeat private keys")
	}
}

func TestGenShortID(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{"minimum", 4, false},
		{"maximum", 16, false},
		{"too short", 3, true},
		{"too long", 17, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := GenShortID(tt.length)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GenShortID(%d) error = %v, wantErr %v", tt.length, err, tt.wantErr)
			}
			if !tt.wantErr && len(id) != tt.length*2 {
				t.Errorf("GenShortID(%d) hex length = %d, want %d", tt.length, len(id), tt.length*2)
			}
		})
	}
}

func TestGenShadowsocksPassword(t *testing.T) {
	pw, err := GenShadowsocksPassword(types.CipherAES256GCM)
	if err != nil {
		t.Fatalf("GenShadowsocksPassword() error = %v", err)
	}
	if len(pw) != 32 {
		t.Errorf("GenShadowsocksPassword() length = %d, want 32", len(pw))
	}

	_, err = GenShadowsocksPassword(types.ShadowsocksCipher("rc4-md5"))
	if err == nil {
		t.Error("GenShadowsocksPassword() should reject legacy stream ciphers")
	}
}

func TestGenWireguardKeypairAndPSK(t *testing.T) {
	priv, pub, err := GenWireguardKeypair()
	if err != nil {
		t.Fatalf("GenWireguardKeypair() error = %v", err)
	}
	if priv == "" || pub == "" {
		t.Fatal("GenWireguardKeypair() returned empty key material")
	}
	psk, err := GenPresharedKey()
	if err != nil {
		t.Fatalf("GenPresharedKey() error = %v", err)
	}
	if psk == "" {
		t.Fatal("GenPresharedKey() returned empty key")
	}
}

func TestHashAndVerifyProxyPassword(t *testing.T) {
	cfg := DefaultConfig()
	verifier, err := HashProxyPassword("correct horse battery staple", cfg)
	if err != nil {
		t.Fatalf("HashProxyPassword() error = %v", err)
	}
	if !strings.HasPrefix(verifier, "$argon2id$v=19$") {
		t.Errorf("HashProxyPassword() verifier = %q, want argon2id prefix", verifier)
	}

	ok, err := VerifyProxyPassword("correct horse battery staple", verifier)
	if err != nil {
		t.Fatalf("VerifyProxyPassword() error = %v", err)
	}
	if !ok {
		t.Error("VerifyProxyPassword() should accept the correct password")
	}

	ok, err = VerifyProxyPassword("wrong password", verifier)
	if err != nil {
		t.Fatalf("VerifyProxyPassword() error = %v", err)
	}
	if ok {
		t.Error("VerifyProxyPassword() should reject an incorrect password")
	}
}

func TestDeriveURIVless(t *testing.T) {
	server := &types.ServerInstance{
		Name:     "edge-1",
		Host:     "vpn.example.com",
		Protocol: types.ProtocolVless,
		ListenPort: 8443,
		Keys: types.ServerKeys{
			RealityPublicKey:   "serverpubkey",
			RealitySNI:         "www.microsoft.com",
			RealityFingerprint: "chrome",
		},
	}
	user := &types.User{
		Username: "alice",
		ProtocolBinding: types.ProtocolBinding{
			Kind: types.ProtocolVless,
			Vless: &types.VlessBinding{
				UUID:    "11111111-1111-1111-1111-111111111111",
				Flow:    types.VlessFlowXTLSVision,
				ShortID: "ab12cd34",
			},
		},
	}

	uri, err := DeriveURI(server, user)
	if err != nil {
		t.Fatalf("DeriveURI() error = %v", err)
	}
	if !strings.HasPrefix(uri, "vless://11111111-1111-1111-1111-111111111111@vpn.example.com:8443?") {
		t.Errorf("DeriveURI() = %q, unexpected prefix", uri)
	}
	if !strings.Contains(uri, "security=reality") || !strings.Contains(uri, "pbk=serverpubkey") {
		t.Errorf("DeriveURI() = %q, missing reality params", uri)
	}
}

func TestDeriveURIProtocolMismatch(t *testing.T) {
	server := &types.ServerInstance{Protocol: types.ProtocolShadowsocks}
	user := &types.User{ProtocolBinding: types.ProtocolBinding{Kind: types.ProtocolVless}}
	if _, err := DeriveURI(server, user); err == nil {
		t.Error("DeriveURI() should reject mismatched user/server protocol")
	}
}

func TestRenderQR(t *testing.T) {
	png, err := RenderQR("vless://example", ECCMedium)
	if err != nil {
		t.Fatalf("RenderQR() error = %v", err)
	}
	if len(png) == 0 {
		t.Error("RenderQR() returned empty PNG")
	}
}
