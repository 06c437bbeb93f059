package mqlight

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // SHA-1 required for SCRAM-SHA-1 compatibility
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SASL mechanism names.
const (
	SASLPlain     = "PLAIN"
	SASLAnonymous = "ANONYMOUS"
)

// SASLMechanism is the client side of a SASL exchange. The engine calls
// Start for the initial response and Next for every server challenge.
// A mechanism instance is used for one connection attempt only.
type SASLMechanism interface {
	Name() string
	Start() ([]byte, error)
	Next(challenge []byte) ([]byte, error)
}

// ErrSASLFailed is wrapped by mechanisms that reject a server message.
var ErrSASLFailed = errors.New("sasl exchange failed")

// newSASLMechanism builds the mechanism for one attempt against svc.
// An empty name picks PLAIN when the service carries credentials and ANONYMOUS otherwise.
func newSASLMechanism(name string, svc *Service) (SASLMechanism, error) {
	if name == "" {
		if svc.User != "" {
			name = SASLPlain
		} else {
			name = SASLAnonymous
		}
	}

	switch name {
	case SASLAnonymous:
		return anonymousMechanism{}, nil
	case SASLPlain:
		return &plainMechanism{user: svc.User, password: svc.Password}, nil
	}

	for _, h := range []SCRAMHash{SCRAMHashSHA1, SCRAMHashSHA256, SCRAMHashSHA512} {
		if h.String() == name {
			if svc.User == "" {
				return nil, newArgumentError("sasl", "%s requires credentials", name)
			}
			return NewSCRAMClient(h, svc.User, svc.Password), nil
		}
	}
	return nil, NewError(ErrUnsupported, "sasl", "unknown mechanism "+name, nil)
}

func validSASLMechanism(name string) bool {
	switch name {
	case "", SASLPlain, SASLAnonymous:
		return true
	}
	for _, h := range []SCRAMHash{SCRAMHashSHA1, SCRAMHashSHA256, SCRAMHashSHA512} {
		if h.String() == name {
			return true
		}
	}
	return false
}

type anonymousMechanism struct{}

func (anonymousMechanism) Name() string                { return SASLAnonymous }
func (anonymousMechanism) Start() ([]byte, error)      { return nil, nil }
func (anonymousMechanism) Next([]byte) ([]byte, error) { return nil, nil }

type plainMechanism struct {
	user     string
	password string
}

func (m *plainMechanism) Name() string { return SASLPlain }

// Start returns the RFC 4616 message: an empty authorization id, then user and password.
func (m *plainMechanism) Start() ([]byte, error) {
	return []byte("\x00" + m.user + "\x00" + m.password), nil
}

func (m *plainMechanism) Next([]byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: unexpected challenge for PLAIN", ErrSASLFailed)
}

// SCRAMHash is the hash algorithm of a SCRAM mechanism.
type SCRAMHash int

const (
	// SCRAMHashSHA1 uses SHA-1, for legacy services only.
	SCRAMHashSHA1 SCRAMHash = iota
	// SCRAMHashSHA256 uses SHA-256.
	SCRAMHashSHA256
	// SCRAMHashSHA512 uses SHA-512.
	SCRAMHashSHA512
)

// String returns the SASL mechanism name.
func (h SCRAMHash) String() string {
	switch h {
	case SCRAMHashSHA1:
		return "SCRAM-SHA-1"
	case SCRAMHashSHA512:
		return "SCRAM-SHA-512"
	default:
		return "SCRAM-SHA-256"
	}
}

func (h SCRAMHash) hashFunc() func() hash.Hash {
	switch h {
	case SCRAMHashSHA1:
		return sha1.New
	case SCRAMHashSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

func (h SCRAMHash) keySize() int {
	switch h {
	case SCRAMHashSHA1:
		return 20
	case SCRAMHashSHA512:
		return 64
	default:
		return 32
	}
}

// SCRAMCredentials are the values a service stores to verify a SCRAM client.
type SCRAMCredentials struct {
	Hash       SCRAMHash
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// ComputeSCRAMCredentials derives the stored SCRAM values for password.
func ComputeSCRAMCredentials(h SCRAMHash, password string, salt []byte, iterations int) *SCRAMCredentials {
	salted := pbkdf2.Key([]byte(password), salt, iterations, h.keySize(), h.hashFunc())
	clientKey := scramHMAC(h, salted, "Client Key")

	return &SCRAMCredentials{
		Hash:       h,
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  scramHash(h, clientKey),
		ServerKey:  scramHMAC(h, salted, "Server Key"),
	}
}

// SCRAMClient implements the client side of RFC 5802 without channel binding.
type SCRAMClient struct {
	hash     SCRAMHash
	user     string
	password string

	step            int
	clientNonce     string
	clientFirstBare string
	serverSignature []byte
}

// NewSCRAMClient creates a SCRAM mechanism for user.
func NewSCRAMClient(h SCRAMHash, user, password string) *SCRAMClient {
	return &SCRAMClient{hash: h, user: user, password: password}
}

// Name implements SASLMechanism.
func (m *SCRAMClient) Name() string { return m.hash.String() }

// Start returns the client-first message.
func (m *SCRAMClient) Start() ([]byte, error) {
	if m.clientNonce == "" {
		nonce, err := scramNonce()
		if err != nil {
			return nil, err
		}
		m.clientNonce = nonce
	}
	m.step = 1
	m.clientFirstBare = "n=" + scramEscape(m.user) + ",r=" + m.clientNonce
	return []byte("n,," + m.clientFirstBare), nil
}

// Next answers the server-first message with the client proof, then checks
// the server signature in the server-final message.
func (m *SCRAMClient) Next(challenge []byte) ([]byte, error) {
	switch m.step {
	case 1:
		m.step = 2
		return m.clientFinal(string(challenge))
	case 2:
		m.step = 3
		attrs := scramAttributes(string(challenge))
		if e, ok := attrs['e']; ok {
			return nil, fmt.Errorf("%w: server error %s", ErrSASLFailed, e)
		}
		sig, err := base64.StdEncoding.DecodeString(attrs['v'])
		if err != nil || !hmac.Equal(sig, m.serverSignature) {
			return nil, fmt.Errorf("%w: server signature mismatch", ErrSASLFailed)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected challenge", ErrSASLFailed)
	}
}

func (m *SCRAMClient) clientFinal(serverFirst string) ([]byte, error) {
	attrs := scramAttributes(serverFirst)
	nonce := attrs['r']
	if !strings.HasPrefix(nonce, m.clientNonce) || len(nonce) == len(m.clientNonce) {
		return nil, fmt.Errorf("%w: invalid server nonce", ErrSASLFailed)
	}
	salt, err := base64.StdEncoding.DecodeString(attrs['s'])
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: invalid salt", ErrSASLFailed)
	}
	iterations, err := strconv.Atoi(attrs['i'])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: invalid iteration count", ErrSASLFailed)
	}

	salted := pbkdf2.Key([]byte(m.password), salt, iterations, m.hash.keySize(), m.hash.hashFunc())
	clientKey := scramHMAC(m.hash, salted, "Client Key")
	storedKey := scramHash(m.hash, clientKey)
	serverKey := scramHMAC(m.hash, salted, "Server Key")

	withoutProof := "c=biws,r=" + nonce
	authMessage := m.clientFirstBare + "," + serverFirst + "," + withoutProof

	signature := scramHMAC(m.hash, storedKey, authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}
	m.serverSignature = scramHMAC(m.hash, serverKey, authMessage)

	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func scramHMAC(h SCRAMHash, key []byte, message string) []byte {
	mac := hmac.New(h.hashFunc(), key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

func scramHash(h SCRAMHash, data []byte) []byte {
	sum := h.hashFunc()()
	sum.Write(data)
	return sum.Sum(nil)
}

// scramAttributes splits a SCRAM message into its single-letter attributes.
func scramAttributes(msg string) map[byte]string {
	attrs := make(map[byte]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) >= 2 && part[1] == '=' {
			attrs[part[0]] = part[2:]
		}
	}
	return attrs
}

func scramEscape(user string) string {
	return strings.NewReplacer("=", "=3D", ",", "=2C").Replace(user)
}

func scramNonce() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// VerifySCRAMProof checks a client-final message against stored credentials
// and returns the server-final message. clientFirstBare and serverFirst are
// the earlier messages of the same exchange.
func VerifySCRAMProof(creds *SCRAMCredentials, clientFirstBare, serverFirst, clientFinal string) (string, error) {
	attrs := scramAttributes(clientFinal)
	proof, err := base64.StdEncoding.DecodeString(attrs['p'])
	if err != nil {
		return "", fmt.Errorf("%w: invalid proof", ErrSASLFailed)
	}
	if attrs['r'] != scramAttributes(serverFirst)['r'] {
		return "", fmt.Errorf("%w: nonce mismatch", ErrSASLFailed)
	}

	withoutProof := "c=" + attrs['c'] + ",r=" + attrs['r']
	authMessage := clientFirstBare + "," + serverFirst + "," + withoutProof

	signature := scramHMAC(creds.Hash, creds.StoredKey, authMessage)
	if len(proof) != len(signature) {
		return "", fmt.Errorf("%w: invalid proof", ErrSASLFailed)
	}
	clientKey := make([]byte, len(proof))
	for i := range proof {
		clientKey[i] = proof[i] ^ signature[i]
	}
	if !hmac.Equal(scramHash(creds.Hash, clientKey), creds.StoredKey) {
		return "", fmt.Errorf("%w: authentication failed", ErrSASLFailed)
	}

	serverSig := scramHMAC(creds.Hash, creds.ServerKey, authMessage)
	return "v=" + base64.StdEncoding.EncodeToString(serverSig), nil
}
