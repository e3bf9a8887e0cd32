package commit

import (
	"errors"
	"fmt"

	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keyschedule"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// ErrSignatureInvalid is returned by GroupInfo.VerifySignature when the
// recorded signature does not match the signer leaf's identity key.
var ErrSignatureInvalid = errors.New("commit: group info signature invalid")

// GroupSecrets is the per-new-member plaintext a Welcome seals: the
// joiner_secret a joining member needs to derive this epoch's EpochSecrets
// itself, per §4.C7/§6.
type GroupSecrets struct {
	JoinerSecret []byte
	PSKSecret    []byte // nil when no PSK proposal was applied
}

func (g GroupSecrets) Marshal(w *wireformat.Writer) {
	w.Opaque(g.JoinerSecret)
	w.Opaque(g.PSKSecret)
}

func (g *GroupSecrets) Unmarshal(r *wireformat.Reader) error {
	var err error
	if g.JoinerSecret, err = r.Opaque(); err != nil {
		return err
	}
	if g.PSKSecret, err = r.Opaque(); err != nil {
		return err
	}
	if len(g.PSKSecret) == 0 {
		g.PSKSecret = nil
	}
	return nil
}

// EncryptedGroupSecrets is one new member's HPKE-sealed GroupSecrets,
// addressed by the KeyPackage ref the Add proposal consumed.
type EncryptedGroupSecrets struct {
	NewMemberKeyPackageRef []byte
	Enc                    []byte
	Ciphertext             []byte
}

func (e EncryptedGroupSecrets) Marshal(w *wireformat.Writer) {
	w.Opaque(e.NewMemberKeyPackageRef)
	w.Opaque(e.Enc)
	w.Opaque(e.Ciphertext)
}

func (e *EncryptedGroupSecrets) Unmarshal(r *wireformat.Reader) error {
	var err error
	if e.NewMemberKeyPackageRef, err = r.Opaque(); err != nil {
		return err
	}
	if e.Enc, err = r.Opaque(); err != nil {
		return err
	}
	e.Ciphertext, err = r.Opaque()
	return err
}

// GroupInfo is §6's sealed group-state object: the plaintext a Welcome's
// encrypted_group_info carries, letting a joining member recover the tree,
// group context, and transcript state a committer already holds instead of
// needing it handed to them out of band. It is signed by the member who
// built the Welcome (the committer), exactly as a FramedContent is signed,
// so a joiner can authenticate the state it is adopting before trusting it.
type GroupInfo struct {
	GroupContext          GroupContext
	Tree                  *ratchettree.Tree
	InterimTranscriptHash []byte
	ConfirmationTag       []byte
	Signer                ratchettree.LeafIndex
	Signature             []byte
}

// marshalTBS writes every GroupInfo field except Signature: the bytes the
// signer signs and a verifier re-derives to check against Signature.
func (g GroupInfo) marshalTBS(w *wireformat.Writer) {
	g.GroupContext.Marshal(w)
	g.Tree.Marshal(w)
	w.Opaque(g.InterimTranscriptHash)
	w.Opaque(g.ConfirmationTag)
	w.Uint32(uint32(g.Signer))
}

func (g GroupInfo) tbs() []byte {
	w := wireformat.NewWriter()
	g.marshalTBS(w)
	return w.Bytes()
}

func (g GroupInfo) Marshal(w *wireformat.Writer) {
	g.marshalTBS(w)
	w.Opaque(g.Signature)
}

// unmarshalGroupInfo decodes a GroupInfo, binding its tree to suite. It
// does not implement wireformat.Unmarshaler since, unlike every other wire
// type in this package, a tree cannot be decoded without a crypto.Provider
// to hash it with.
func unmarshalGroupInfo(suite crypto.Provider, data []byte) (*GroupInfo, error) {
	r := wireformat.NewReader(data)

	var g GroupInfo
	if err := g.GroupContext.Unmarshal(r); err != nil {
		return nil, err
	}
	tree, err := ratchettree.UnmarshalTree(suite, r)
	if err != nil {
		return nil, err
	}
	g.Tree = tree
	if g.InterimTranscriptHash, err = r.Opaque(); err != nil {
		return nil, err
	}
	if g.ConfirmationTag, err = r.Opaque(); err != nil {
		return nil, err
	}
	signer, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	g.Signer = ratchettree.LeafIndex(signer)
	if g.Signature, err = r.Opaque(); err != nil {
		return nil, err
	}
	return &g, r.Finish()
}

// Sign installs g.Signature, signed by signerPriv as the leaf at g.Signer.
func (g *GroupInfo) Sign(suite crypto.Provider, signerPriv crypto.SignaturePrivateKey) error {
	sig, err := suite.Sign(signerPriv, g.tbs())
	if err != nil {
		return err
	}
	g.Signature = sig
	return nil
}

// VerifySignature checks g.Signature against the signer leaf's identity
// key recorded in g.Tree at g.Signer, per §6's GroupInfo validity rule.
func (g GroupInfo) VerifySignature(suite crypto.Provider) error {
	leaf := g.Tree.LeafAt(g.Signer)
	if leaf == nil {
		return fmt.Errorf("commit: group info signer %d is a blank leaf", g.Signer)
	}
	if !suite.Verify(leaf.Identity.SignaturePublicKey, g.tbs(), g.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// Welcome is §6's Welcome wire object: one HPKE-sealed GroupSecrets per
// member added by a commit, each sealed to that member's KeyPackage-level
// init key so only they can recover joiner_secret and bootstrap the new
// epoch's key schedule, plus encrypted_group_info: the tree/transcript
// state sealed under welcome_secret so every addressed member can recover
// it without depending on whoever relays the Welcome to also relay the
// current tree out of band.
type Welcome struct {
	CipherSuite        uint16
	Secrets            []EncryptedGroupSecrets
	EncryptedGroupInfo []byte
}

func (w Welcome) Marshal(buf *wireformat.Writer) {
	buf.Uint16(w.CipherSuite)
	wireformat.WriteVector(buf, w.Secrets, func(buf *wireformat.Writer, e EncryptedGroupSecrets) { e.Marshal(buf) })
	buf.Opaque(w.EncryptedGroupInfo)
}

func (w *Welcome) Unmarshal(r *wireformat.Reader) error {
	var err error
	if w.CipherSuite, err = r.Uint16(); err != nil {
		return err
	}
	w.Secrets, err = wireformat.ReadVector(r, func(r *wireformat.Reader) (EncryptedGroupSecrets, error) {
		var e EncryptedGroupSecrets
		err := e.Unmarshal(r)
		return e, err
	})
	if err != nil {
		return err
	}
	w.EncryptedGroupInfo, err = r.Opaque()
	return err
}

// NewMember is one Add proposal's target, as needed to address a Welcome.
type NewMember struct {
	KeyPackageRef []byte
	InitKey       crypto.HPKEPublicKey
}

// welcomeKeyNonce derives the AEAD key/nonce encrypted_group_info is sealed
// under, per §6: both are ExpandWithLabel(welcome_secret, label, "", size).
func welcomeKeyNonce(suite crypto.Provider, welcomeSecret []byte) (key, nonce []byte) {
	key = crypto.ExpandWithLabel(suite, welcomeSecret, "key", nil, suite.KeySize())
	nonce = crypto.ExpandWithLabel(suite, welcomeSecret, "nonce", nil, suite.NonceSize())
	return key, nonce
}

// BuildWelcome seals joinerSecret (and pskSecret, if any) to every member a
// commit added, per §6's Welcome, and seals info (if non-nil) as
// encrypted_group_info under welcome_secret so every addressed member can
// recover the committer's tree and transcript state. The per-member AAD
// binds nothing extra: the new member authenticates the resulting epoch by
// verifying info's signature and recomputing tree_hash/
// confirmed_transcript_hash themselves, exactly as any other receiver does
// in Receive.
func BuildWelcome(suite crypto.Provider, cipherSuite uint16, members []NewMember, joinerSecret, pskSecret []byte, info *GroupInfo) (*Welcome, error) {
	secrets := GroupSecrets{JoinerSecret: joinerSecret, PSKSecret: pskSecret}
	plaintext := wireformat.Marshal(secrets)

	w := &Welcome{CipherSuite: cipherSuite}
	for _, m := range members {
		enc, ct, err := suite.HPKESeal(m.InitKey, []byte("mls10 welcome"), nil, plaintext)
		if err != nil {
			return nil, fmt.Errorf("commit: seal welcome for %x: %w", m.KeyPackageRef, err)
		}
		w.Secrets = append(w.Secrets, EncryptedGroupSecrets{
			NewMemberKeyPackageRef: m.KeyPackageRef, Enc: enc, Ciphertext: ct,
		})
	}

	if info != nil {
		welcomeSecret := keyschedule.DeriveWelcomeSecret(suite, joinerSecret, pskSecret)
		key, nonce := welcomeKeyNonce(suite, welcomeSecret)
		ciphertext, err := suite.AEADSeal(key, nonce, nil, wireformat.Marshal(*info))
		if err != nil {
			return nil, fmt.Errorf("commit: seal group info: %w", err)
		}
		w.EncryptedGroupInfo = ciphertext
	}

	return w, nil
}

// OpenWelcome recovers GroupSecrets for kpRef using the new member's
// KeyPackage-level init private key, or an error if kpRef is not addressed
// by this Welcome.
func OpenWelcome(suite crypto.Provider, w *Welcome, kpRef []byte, initPriv crypto.HPKEPrivateKey) (*GroupSecrets, error) {
	for _, e := range w.Secrets {
		if string(e.NewMemberKeyPackageRef) != string(kpRef) {
			continue
		}
		plaintext, err := suite.HPKEOpen(initPriv, e.Enc, []byte("mls10 welcome"), nil, e.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("commit: open welcome: %w", err)
		}
		var secrets GroupSecrets
		if err := wireformat.Unmarshal(plaintext, &secrets); err != nil {
			return nil, fmt.Errorf("commit: decode group secrets: %w", err)
		}
		return &secrets, nil
	}
	return nil, fmt.Errorf("commit: welcome does not address key package ref %x", kpRef)
}

// OpenGroupInfo recovers and authenticates a Welcome's encrypted_group_info
// using the joiner_secret/psk_secret OpenWelcome already recovered, per
// §6's join operation. It fails if the Welcome carries no
// encrypted_group_info, or if the embedded signature does not verify.
func OpenGroupInfo(suite crypto.Provider, w *Welcome, secrets *GroupSecrets) (*GroupInfo, error) {
	if len(w.EncryptedGroupInfo) == 0 {
		return nil, fmt.Errorf("commit: welcome carries no encrypted_group_info")
	}
	welcomeSecret := keyschedule.DeriveWelcomeSecret(suite, secrets.JoinerSecret, secrets.PSKSecret)
	key, nonce := welcomeKeyNonce(suite, welcomeSecret)
	plaintext, err := suite.AEADOpen(key, nonce, nil, w.EncryptedGroupInfo)
	if err != nil {
		return nil, fmt.Errorf("commit: open group info: %w", err)
	}
	info, err := unmarshalGroupInfo(suite, plaintext)
	if err != nil {
		return nil, fmt.Errorf("commit: decode group info: %w", err)
	}
	if err := info.VerifySignature(suite); err != nil {
		return nil, err
	}
	return info, nil
}
