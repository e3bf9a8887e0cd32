// Command mlsdebug exercises the group package end to end: create a group,
// add a member, commit, and print the resulting epoch secrets. It is a
// manual interop aid, not part of the library's public surface.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/s3131212/mls-go/internal/credential"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/group"
	"github.com/s3131212/mls-go/internal/identity"
	"github.com/s3131212/mls-go/internal/keypackage"
	"github.com/s3131212/mls-go/internal/mlslog"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/storage"
)

func main() {
	app := &cli.App{
		Name:  "mlsdebug",
		Usage: "inspect the group package's end-to-end behavior",
		Commands: []*cli.Command{
			demoCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "create a two-member group, commit an Add, and print epoch state",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "group-id", Value: "mlsdebug-group"},
			&cli.BoolFlag{Name: "verbose"},
		},
		Action: func(c *cli.Context) error {
			log := mlslog.New(nil)
			if c.Bool("verbose") {
				log = mlslog.New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
			}
			return runDemo(c.String("group-id"), log)
		},
	}
}

func runDemo(groupID string, log mlslog.Logger) error {
	suite := crypto.NewSuite1()
	idp := identity.BasicIdentityProvider{}
	cfg := group.Config{
		Suite: suite, IdentityProvider: idp, Log: log,
		PSKStorage:        storage.NewMapPreSharedKeyStorage(),
		KeyPackageStorage: storage.NewMapKeyPackageStorage(),
	}
	groupStates := storage.NewMapGroupStateStorage()

	alice, err := newParticipant(suite, "alice")
	if err != nil {
		return fmt.Errorf("mlsdebug: build alice: %w", err)
	}
	bob, err := newParticipant(suite, "bob")
	if err != nil {
		return fmt.Errorf("mlsdebug: build bob: %w", err)
	}
	bobKP, err := bob.keyPackage(suite)
	if err != nil {
		return fmt.Errorf("mlsdebug: build bob's key package: %w", err)
	}

	aliceMember := group.Member{Identity: alice.leaf.Identity, Capabilities: demoCapabilities(), SignPriv: alice.signPriv}
	sess := group.Create(cfg, []byte(groupID), aliceMember, alice.leaf, alice.hpkePriv)
	fmt.Printf("created group %q at epoch %d\n", groupID, sess.Epoch())

	if _, err := sess.Propose(proposal.AddProposal(bobKP), nil); err != nil {
		return fmt.Errorf("mlsdebug: propose add: %w", err)
	}
	_, welcome, err := sess.Commit(nil)
	if err != nil {
		return fmt.Errorf("mlsdebug: commit: %w", err)
	}
	fmt.Printf("committed add, now at epoch %d, %d leaves\n", sess.Epoch(), sess.Tree().Width())

	bobMember := group.Member{Identity: bob.leaf.Identity, Capabilities: demoCapabilities(), SignPriv: bob.signPriv}
	bobSess, err := group.JoinFromWelcome(
		cfg, welcome, bobKP.Ref(suite), bob.hpkePriv,
		ratchettree.LeafIndex(1), bob.hpkePriv, bobMember,
	)
	if err != nil {
		return fmt.Errorf("mlsdebug: bob join from welcome: %w", err)
	}
	fmt.Printf("bob joined at epoch %d\n", bobSess.Epoch())

	exported := sess.ExportSecret("mlsdebug", []byte("demo"), 16)
	bobExported := bobSess.ExportSecret("mlsdebug", []byte("demo"), 16)
	fmt.Printf("alice exported secret: %x\n", exported)
	fmt.Printf("bob   exported secret: %x\n", bobExported)
	if string(exported) != string(bobExported) {
		return fmt.Errorf("mlsdebug: exported secrets diverge between alice and bob")
	}

	framed, err := sess.EncryptApplication([]byte("hello from alice"), nil)
	if err != nil {
		return fmt.Errorf("mlsdebug: encrypt application message: %w", err)
	}
	plaintext, err := bobSess.DecryptApplication(*framed)
	if err != nil {
		return fmt.Errorf("mlsdebug: decrypt application message: %w", err)
	}
	fmt.Printf("bob decrypted: %q\n", string(plaintext))

	if err := sess.SaveState(groupStates); err != nil {
		return fmt.Errorf("mlsdebug: save alice's state: %w", err)
	}
	resumed, err := group.LoadState(cfg, groupStates, []byte(groupID), alice.hpkePriv, aliceMember)
	if err != nil {
		return fmt.Errorf("mlsdebug: resume alice's state: %w", err)
	}
	fmt.Printf("resumed alice at epoch %d, exported secret matches: %v\n",
		resumed.Epoch(), string(resumed.ExportSecret("mlsdebug", []byte("demo"), 16)) == string(exported))

	return nil
}

type participant struct {
	name     string
	signPriv crypto.SignaturePrivateKey
	hpkePriv crypto.HPKEPrivateKey
	leaf     keypackage.LeafNode
}

func newParticipant(suite crypto.Provider, name string) (*participant, error) {
	signPub, signPriv, err := suite.GenerateSignatureKeyPair()
	if err != nil {
		return nil, err
	}
	hpkePub, hpkePriv, err := suite.KEMDeriveKeyPair([]byte(name + time.Now().String()))
	if err != nil {
		return nil, err
	}

	leaf := keypackage.LeafNode{
		HPKEInitKey: hpkePub,
		Identity: keypackage.SigningIdentity{
			Credential:         credential.Basic([]byte(name)),
			SignaturePublicKey: signPub,
		},
		Capabilities: demoCapabilities(),
		Source:       keypackage.SourceKeyPackage,
		Lifetime:     keypackage.Lifetime{NotBefore: 0, NotAfter: uint64(1 << 62)},
	}
	if err := leaf.Sign(suite, signPriv, &keypackage.SignatureContext{}); err != nil {
		return nil, err
	}

	return &participant{name: name, signPriv: signPriv, hpkePriv: hpkePriv, leaf: leaf}, nil
}

func (p *participant) keyPackage(suite crypto.Provider) (keypackage.KeyPackage, error) {
	kp := keypackage.KeyPackage{
		Version:     1,
		CipherSuite: uint16(crypto.Suite1ID),
		InitKey:     p.leaf.HPKEInitKey,
		Leaf:        p.leaf,
	}
	if err := kp.Sign(suite, p.signPriv); err != nil {
		return keypackage.KeyPackage{}, err
	}
	return kp, nil
}

func demoCapabilities() keypackage.Capabilities {
	return keypackage.Capabilities{
		Versions:        []uint16{1},
		Ciphersuites:    []uint16{uint16(crypto.Suite1ID)},
		CredentialTypes: []uint16{uint16(credential.TypeBasic)},
	}
}
