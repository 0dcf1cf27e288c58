package crypto

import (
	"testing"
)

import (
	gocheck "gopkg.in/check.v1"
)

import (
	"github.com/swarmkv/swarmkv/message"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) {
	gocheck.TestingT(t)
}

type CryptoTest struct {
	keys *KeyPair
}

var _ = gocheck.Suite(&CryptoTest{})

func (s *CryptoTest) SetUpTest(c *gocheck.C) {
	var err error
	s.keys, err = NewKeyPair()
	c.Assert(err, gocheck.IsNil)
}

func testEnvelope() *message.Envelope {
	return &message.Envelope{
		Timestamp: 7,
		Payload:   &message.Database{Op: message.DB_CREATE, Key: "a", Value: []byte("1")},
	}
}

// an envelope signed by a member verifies, and the sender is set to the
// key's uuid
func (s *CryptoTest) TestSignAndVerify(c *gocheck.C) {
	env := testEnvelope()
	c.Assert(s.keys.SignEnvelope(env), gocheck.IsNil)
	c.Check(env.Sender, gocheck.Equals, s.keys.Uuid())
	c.Check(VerifyEnvelope(env), gocheck.IsNil)
}

// signatures survive the wire encoding
func (s *CryptoTest) TestVerifyAfterRoundTrip(c *gocheck.C) {
	env := testEnvelope()
	c.Assert(s.keys.SignEnvelope(env), gocheck.IsNil)

	encoded, err := message.EncodeEnvelope(env)
	c.Assert(err, gocheck.IsNil)
	decoded, err := message.DecodeEnvelope(encoded)
	c.Assert(err, gocheck.IsNil)
	c.Check(VerifyEnvelope(decoded), gocheck.IsNil)
}

// tampering with the payload after signing breaks verification
func (s *CryptoTest) TestTamperedPayloadFails(c *gocheck.C) {
	env := testEnvelope()
	c.Assert(s.keys.SignEnvelope(env), gocheck.IsNil)
	env.Payload.(*message.Database).Value = []byte("2")
	c.Check(VerifyEnvelope(env), gocheck.NotNil)
}

// claiming someone else's uuid fails verification
func (s *CryptoTest) TestSenderMismatchFails(c *gocheck.C) {
	env := testEnvelope()
	c.Assert(s.keys.SignEnvelope(env), gocheck.IsNil)

	other, err := NewKeyPair()
	c.Assert(err, gocheck.IsNil)
	env.Sender = other.Uuid()
	c.Check(VerifyEnvelope(env), gocheck.NotNil)
}

func (s *CryptoTest) TestGarbageSignatureFails(c *gocheck.C) {
	env := testEnvelope()
	env.Sender = s.keys.Uuid()
	env.Signature = []byte("short")
	c.Check(VerifyEnvelope(env), gocheck.NotNil)
}

// the request hash is deterministic over content and independent of the
// signature
func (s *CryptoTest) TestRequestHash(c *gocheck.C) {
	env := testEnvelope()
	c.Assert(s.keys.SignEnvelope(env), gocheck.IsNil)
	first, err := RequestHash(env)
	c.Assert(err, gocheck.IsNil)

	encoded, _ := message.EncodeEnvelope(env)
	decoded, _ := message.DecodeEnvelope(encoded)
	second, err := RequestHash(decoded)
	c.Assert(err, gocheck.IsNil)
	c.Check(second, gocheck.Equals, first)

	different := testEnvelope()
	different.Payload.(*message.Database).Key = "b"
	c.Assert(s.keys.SignEnvelope(different), gocheck.IsNil)
	third, err := RequestHash(different)
	c.Assert(err, gocheck.IsNil)
	c.Check(third, gocheck.Not(gocheck.Equals), first)
}

// a keypair exports and reloads to the same identity
func (s *CryptoTest) TestExportAndLoad(c *gocheck.C) {
	reloaded, err := LoadKeyPair(s.keys.Export())
	c.Assert(err, gocheck.IsNil)
	c.Check(reloaded.Uuid(), gocheck.Equals, s.keys.Uuid())
}

// an unreadable key is an error for startup to abort on
func (s *CryptoTest) TestUnreadableKeyFails(c *gocheck.C) {
	_, err := LoadKeyPair("not a key")
	c.Check(err, gocheck.NotNil)
}
