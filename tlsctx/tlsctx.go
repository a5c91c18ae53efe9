// Package tlsctx implements the TLS Context of spec.md §4.3: shared,
// reference-counted configuration and factory for the TLS engines
// tlssocket drives. It wraps github.com/lesismal/llib/std/crypto/tls's
// Config — a fork of the standard library's crypto/tls kept API
// compatible but built for non-blocking transports, the same engine
// the teacher repo drives through nbio's TLS extension.
package tlsctx

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/rand"
	"sync"

	lltls "github.com/lesismal/llib/std/crypto/tls"

	"github.com/nyan233/asyncsock/logger"
)

// PeerVerifyMode mirrors spec.md §4.3's four-way verification policy.
type PeerVerifyMode int

const (
	UseCtx PeerVerifyMode = iota
	Verify
	VerifyRequireClientCert
	NoVerify
)

// PeerNamePolicy controls how (if at all) the connect-time hostname is
// checked against the peer certificate, spec.md §4.3.
type PeerNamePolicy int

const (
	PeerNameOff PeerNamePolicy = iota
	CheckPeerName
	PeerFixedName
)

// PasswordCollector mirrors spec.md §6's PasswordCollector callback.
type PasswordCollector interface {
	GetPassword(maxLen int) ([]byte, error)
	Describe() string
}

// HandshakeVerifyCallback mirrors spec.md §6's
// HandshakeCallback.handshakeVerify hook: invoked once the engine's
// own certificate-chain verification has run, with whether that
// verification passed, and the full connection state it reached its
// verdict from. Returning false rejects the handshake regardless of
// preverifyOk, the same override spec.md §6's scenario describes.
type HandshakeVerifyCallback func(preverifyOk bool, cs lltls.ConnectionState) bool

// WeightedProtocolList is one entry of an NPN/ALPN weighted-selection
// set, spec.md §3/§4.2: the server picks list i with probability
// weight_i / Σweight.
type WeightedProtocolList struct {
	Protocols []string
	Weight    int
}

// ClientHelloObserver is invoked, in registration order, with the
// parsed ClientHello before the server-name callback runs, spec.md §4.2.
type ClientHelloObserver func(*ClientHelloInfo)

// ClientHelloInfo is the capture structure of spec.md §3.
type ClientHelloInfo struct {
	Major, Minor     uint8
	CipherSuites     []uint16
	CompressionMeths []uint8
	Extensions       []uint16
	ServerName       string
}

// ServerNameResult is the tri-state SNI callback outcome of spec.md §4.2.
type ServerNameResult int

const (
	SNIFound ServerNameResult = iota
	SNINotFound
	SNIFatal
)

// ServerNameCallback fires during the server-side Client-Hello parse,
// before the engine selects its context.
type ServerNameCallback func(serverName string) (ServerNameResult, *Context)

// Context is the shared TLS configuration spec.md §4.3 describes. It
// is safe to share across any number of tlssocket.Connections; its
// lifetime is the union of its referents' lifetimes, which in Go just
// means "as long as someone holds a reference" — no manual refcounting
// needed.
type Context struct {
	mu sync.Mutex

	cfg *lltls.Config

	verifyMode PeerVerifyMode
	namePolicy PeerNamePolicy
	fixedName  string
	hostname   string // set per-connect by tlssocket on the client side

	passwordCollector PasswordCollector
	handshakeVerifyCB HandshakeVerifyCallback

	weighted   []WeightedProtocolList
	single     []string
	rng        *rand.Rand

	serverNameCB ServerNameCallback
	observers    []ClientHelloObserver

	log logger.LLogger
}

var globalInitOnce sync.Once

// initProcessWide is the Go stand-in for spec.md §4.3's "finalize
// lock-type choices before any engine instance is created": a
// process-wide table of lock kinds per cryptographic-module lock id.
// Go's crypto/tls has no such table (its internals are already safe
// for concurrent use without caller-supplied locks), so the once-only
// block just logs that TLS engine state was initialized. The
// weighted-ALPN RNG is not seeded here: New gives each Context its own
// rand.Rand with a fixed seed.
func initProcessWide(log logger.LLogger) {
	globalInitOnce.Do(func() {
		log.Debug("tlsctx: process-wide TLS engine state initialized")
	})
}

// New constructs an empty Context. Call the Set* methods to
// configure it before handing it to the first Connection — per
// spec.md §4.3, configuration happens "prior to first use".
func New(log logger.LLogger) *Context {
	if log == nil {
		log = logger.DefaultLogger
	}
	initProcessWide(log)
	return &Context{
		cfg: &lltls.Config{},
		log: log,
		rng: rand.New(rand.NewSource(1)),
	}
}

// Config returns the finalized engine config, wiring weighted-ALPN
// selection and the SNI callback into GetConfigForClient per
// spec.md §4.2. Called once per engine construction (tlssocket's
// newServerEngine/newClientEngine); cheap enough to rebuild per call
// since it sets at most three fields (NextProtos, GetConfigForClient,
// VerifyConnection).
func (c *Context) Config() *lltls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.weighted) > 0 {
		c.cfg.NextProtos = c.pickAdvertisedLocked()
	}
	if c.serverNameCB != nil || len(c.observers) > 0 || len(c.weighted) > 0 {
		ctx := c
		c.cfg.GetConfigForClient = func(hello *lltls.ClientHelloInfo) (*lltls.Config, error) {
			return ctx.resolveClientHello(hello)
		}
	}
	if c.namePolicy != PeerNameOff || c.handshakeVerifyCB != nil {
		ctx := c
		c.cfg.VerifyConnection = func(cs lltls.ConnectionState) error {
			return ctx.verifyConnection(cs)
		}
	}
	return c.cfg
}

// verifyConnection is the lltls.Config.VerifyConnection hook that
// carries spec.md §4.3's peer-name policy and spec.md §6's
// handshakeVerify override into an actual handshake. It runs after the
// library's own chain verification (unless InsecureSkipVerify is set,
// in which case preverifyOk below starts out true with no verified chain).
func (c *Context) verifyConnection(cs lltls.ConnectionState) error {
	c.mu.Lock()
	policy := c.namePolicy
	hostname := c.hostname
	cb := c.handshakeVerifyCB
	c.mu.Unlock()

	preverifyOk := len(cs.VerifiedChains) > 0 || c.cfg.InsecureSkipVerify
	if policy != PeerNameOff {
		preverifyOk = preverifyOk && c.peerNameOk(cs, hostname)
	}
	if cb != nil {
		if !cb(preverifyOk, cs) {
			return fmt.Errorf("tlsctx: handshake verify callback rejected peer")
		}
		return nil
	}
	if !preverifyOk {
		return fmt.Errorf("tlsctx: peer verification failed for %q", hostname)
	}
	return nil
}

// peerNameOk applies MatchPeerName against the leaf certificate's
// Common Name and SAN DNS names.
func (c *Context) peerNameOk(cs lltls.ConnectionState, hostname string) bool {
	if len(cs.PeerCertificates) == 0 {
		return false
	}
	leaf := cs.PeerCertificates[0]
	return c.MatchPeerName(leaf.Subject.CommonName, leaf.DNSNames, hostname)
}

// SetHandshakeVerifyCallback registers spec.md §6's
// HandshakeCallback.handshakeVerify hook.
func (c *Context) SetHandshakeVerifyCallback(cb HandshakeVerifyCallback) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeVerifyCB = cb
	return c
}

// resolveClientHello implements spec.md §4.2's SNI tri-state: Found
// switches to the returned Context's config, NotFound falls through to
// whatever config the handshake already started with, Fatal aborts it.
func (c *Context) resolveClientHello(hello *lltls.ClientHelloInfo) (*lltls.Config, error) {
	c.mu.Lock()
	cb := c.serverNameCB
	c.mu.Unlock()
	if cb == nil {
		return nil, nil
	}
	result, target := cb(hello.ServerName)
	switch result {
	case SNIFound:
		if target == nil {
			return nil, nil
		}
		return target.Config(), nil
	case SNINotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("tlsctx: fatal SNI lookup for %q", hello.ServerName)
	}
}

func (c *Context) SetCipherList(ciphers []uint16) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CipherSuites = ciphers
	return c
}

func (c *Context) SetPeerVerifyMode(m PeerVerifyMode) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyMode = m
	switch m {
	case NoVerify:
		c.cfg.InsecureSkipVerify = true
	case Verify:
		c.cfg.InsecureSkipVerify = false
		c.cfg.ClientAuth = lltls.VerifyClientCertIfGiven
	case VerifyRequireClientCert:
		c.cfg.InsecureSkipVerify = false
		c.cfg.ClientAuth = lltls.RequireAndVerifyClientCert
	case UseCtx:
		// deliberately left to whatever a parent context configured.
	}
	return c
}

func (c *Context) SetCheckPeerName(hostname string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namePolicy = CheckPeerName
	c.hostname = hostname
	return c
}

func (c *Context) SetPeerFixedName(cn string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namePolicy = PeerFixedName
	c.fixedName = cn
	return c
}

func (c *Context) SetCertificateKeyPair(certPEM, keyPEM []byte) error {
	keyPEM, err := c.decryptKeyIfNeeded(keyPEM)
	if err != nil {
		return err
	}
	cert, err := lltls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg.Certificates = append(c.cfg.Certificates, cert)
	c.mu.Unlock()
	return nil
}

// decryptKeyIfNeeded implements spec.md §6's PasswordCollector use: an
// OpenSSL-style encrypted PEM private key (the original's primary use
// case for the callback) gets decrypted here, before X509KeyPair ever
// sees it, using whatever password the registered collector supplies.
// A plain, unencrypted key passes through untouched.
func (c *Context) decryptKeyIfNeeded(keyPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil || !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy PEM encryption is exactly what PasswordCollector exists for
		return keyPEM, nil
	}
	c.mu.Lock()
	pc := c.passwordCollector
	c.mu.Unlock()
	if pc == nil {
		return nil, fmt.Errorf("tlsctx: private key is encrypted but no PasswordCollector is set")
	}
	pass, err := pc.GetPassword(1024)
	if err != nil {
		return nil, fmt.Errorf("tlsctx: %s: %w", pc.Describe(), err)
	}
	der, err := x509.DecryptPEMBlock(block, pass) //nolint:staticcheck
	if err != nil {
		return nil, fmt.Errorf("tlsctx: decrypting private key via %s: %w", pc.Describe(), err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

func (c *Context) SetTrustStore(pool *x509.CertPool) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.RootCAs = pool
	return c
}

func (c *Context) SetClientCAs(pool *x509.CertPool) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ClientCAs = pool
	return c
}

func (c *Context) SetPasswordCollector(pc PasswordCollector) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwordCollector = pc
	return c
}

func (c *Context) SetAdvertisedNextProtocols(protocols []string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.single = protocols
	c.weighted = nil
	c.cfg.NextProtos = protocols
	return c
}

func (c *Context) SetWeightedNextProtocols(lists []WeightedProtocolList) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weighted = lists
	c.single = nil
	return c
}

// pickAdvertised implements spec.md §4.2's weighted NPN/ALPN
// selection: the server randomly picks one list with probability
// weight/Σweight at handshake time.
func (c *Context) pickAdvertised() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickAdvertisedLocked()
}

func (c *Context) pickAdvertisedLocked() []string {
	if len(c.weighted) == 0 {
		return c.single
	}
	total := 0
	for _, w := range c.weighted {
		total += w.Weight
	}
	if total <= 0 {
		return c.weighted[0].Protocols
	}
	pick := c.rng.Intn(total)
	acc := 0
	for _, w := range c.weighted {
		acc += w.Weight
		if pick < acc {
			return w.Protocols
		}
	}
	return c.weighted[len(c.weighted)-1].Protocols
}

func (c *Context) SetServerNameCallback(cb ServerNameCallback) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverNameCB = cb
	return c
}

func (c *Context) AddClientHelloObserver(o ClientHelloObserver) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
	return c
}

// InvokeObservers runs every registered ClientHelloObserver, in
// registration order, against the raw-parsed info. tlssocket calls
// this once its clienthello.go snoop completes, ahead of the
// SNI-driven GetConfigForClient switch the engine performs
// internally, per spec.md §4.2.
func (c *Context) InvokeObservers(info *ClientHelloInfo) {
	c.mu.Lock()
	observers := append([]ClientHelloObserver(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o(info)
	}
}

// MatchPeerName implements spec.md §4.3's peer-name matching: a fixed
// name compares only against the certificate Common Name; otherwise
// hostname is checked against CN and every SAN, with RFC 6125
// left-most-label wildcard matching.
func (c *Context) MatchPeerName(commonName string, sans []string, hostname string) bool {
	c.mu.Lock()
	policy, fixed := c.namePolicy, c.fixedName
	c.mu.Unlock()

	switch policy {
	case PeerFixedName:
		return matchName(fixed, commonName)
	case CheckPeerName:
		if matchName(hostname, commonName) {
			return true
		}
		for _, san := range sans {
			if matchName(hostname, san) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// matchName implements RFC 6125 §6.4.3 wildcard matching restricted to
// the left-most label: "*" matches a whole label, "*foo" matches a
// suffix within the left-most label, "foo*" matches a prefix within
// it. Wildcards never match a dot.
func matchName(hostname, pattern string) bool {
	if hostname == "" || pattern == "" {
		return false
	}
	hLabels := splitLabels(hostname)
	pLabels := splitLabels(pattern)
	if len(hLabels) != len(pLabels) {
		return false
	}
	if !matchLabel(hLabels[0], pLabels[0]) {
		return false
	}
	for i := 1; i < len(hLabels); i++ {
		if hLabels[i] != pLabels[i] {
			return false
		}
	}
	return true
}

func splitLabels(s string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			labels = append(labels, s[start:i])
			start = i + 1
		}
	}
	labels = append(labels, s[start:])
	return labels
}

func matchLabel(host, pattern string) bool {
	star := -1
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			star = i
			break
		}
	}
	if star < 0 {
		return host == pattern
	}
	prefix := pattern[:star]
	suffix := pattern[star+1:]
	if len(host) < len(prefix)+len(suffix) {
		return false
	}
	return host[:len(prefix)] == prefix && host[len(host)-len(suffix):] == suffix
}
