/*
Envelope signing and verification.

Members sign with secp256k1 keys. A member's uuid is the hex address
derived from its public key, so verification recovers the signer from the
signature and requires it to match the envelope's sender field.
 */
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
)

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

import (
	"github.com/swarmkv/swarmkv/message"
)

type KeyPair struct {
	priv *ecdsa.PrivateKey
	uuid string
}

// generates a fresh keypair
func NewKeyPair() (*KeyPair, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating keypair")
	}
	return keyPairFromKey(priv), nil
}

// loads a keypair from a hex encoded private key. An unreadable key is a
// startup-fatal condition for the caller
func LoadKeyPair(hexkey string) (*KeyPair, error) {
	priv, err := ethcrypto.HexToECDSA(hexkey)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	return keyPairFromKey(priv), nil
}

func keyPairFromKey(priv *ecdsa.PrivateKey) *KeyPair {
	return &KeyPair{
		priv: priv,
		uuid: UuidFromPublicKey(&priv.PublicKey),
	}
}

// the member uuid owned by this keypair
func (k *KeyPair) Uuid() string { return k.uuid }

// hex encodes the private key for storage
func (k *KeyPair) Export() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(k.priv))
}

// derives the member uuid owned by a public key
func UuidFromPublicKey(pub *ecdsa.PublicKey) string {
	return ethcrypto.PubkeyToAddress(*pub).Hex()
}

// fills in the envelope's sender and signature fields. The signature is a
// recoverable secp256k1 signature over the keccak hash of the envelope's
// canonical serialization with the signature zeroed
func (k *KeyPair) SignEnvelope(env *message.Envelope) error {
	env.Sender = k.uuid
	signing, err := env.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(signing), k.priv)
	if err != nil {
		return errors.Wrap(err, "signing envelope")
	}
	env.Signature = sig
	return nil
}

// verifies the envelope signature and that the recovered key owns the
// sender uuid
func VerifyEnvelope(env *message.Envelope) error {
	if len(env.Signature) != ethcrypto.SignatureLength {
		return fmt.Errorf("bad signature length: %v", len(env.Signature))
	}
	signing, err := env.SigningBytes()
	if err != nil {
		return err
	}
	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(signing), env.Signature)
	if err != nil {
		return errors.Wrap(err, "recovering signer")
	}
	if uuid := UuidFromPublicKey(pub); uuid != env.Sender {
		return fmt.Errorf("signature owner %v does not match sender %v", uuid, env.Sender)
	}
	return nil
}

// computes the canonical content hash identifying a request envelope
func RequestHash(request *message.Envelope) (string, error) {
	signing, err := request.SigningBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ethcrypto.Keccak256(signing)), nil
}

// hashes an arbitrary canonical byte string
func Hash(b []byte) string {
	return hex.EncodeToString(ethcrypto.Keccak256(b))
}
