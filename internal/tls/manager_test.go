package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"secmon/internal/config"
)

func TestDevelopmentFallsBackToSelfSigned(t *testing.T) {
	dir := t.TempDir()
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, Domain: "secmon.local", AutoCertDir: dir}, true, zaptest.NewLogger(t))

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "secmon.local"})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("secmon.local"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "secmon.local"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	_, err = os.Stat(filepath.Join(dir, devCertFile))
	assert.NoError(t, err)
}

func TestDevCertIsReusedAcrossGenerators(t *testing.T) {
	dir := t.TempDir()
	hosts := []string{"localhost", "::1"}

	first, err := NewDevCertGenerator(dir, nil).GenerateCert(hosts)
	require.NoError(t, err)
	second, err := NewDevCertGenerator(dir, nil).GenerateCert(hosts)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	third, err := NewDevCertGenerator(dir, nil).GenerateCert([]string{"other.local"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], third.Certificate[0])
}

func TestProductionRefusesSelfSigned(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, Domain: "secmon.example.com", AutoCertDir: t.TempDir()}, false, nil)

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "secmon.example.com"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestHTTPHandlerWithoutAutoCert(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{}, true, nil)
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	m.HTTPHandler(fallback).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)

	cfg := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotNil(t, cfg.GetCertificate)
}
