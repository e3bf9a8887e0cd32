package group

import (
	"fmt"

	"github.com/s3131212/mls-go/internal/commit"
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/keyschedule"
	"github.com/s3131212/mls-go/internal/proposal"
	"github.com/s3131212/mls-go/internal/ratchettree"
	"github.com/s3131212/mls-go/internal/storage"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// persistedState is the wire form Session checkpoints to a
// storage.GroupStateStorage: enough to resume a session after a process
// restart without replaying its proposal history. A resumed session starts
// with an empty pending/byRef cache, exactly as a freshly Created or
// Welcome-joined one does — neither survives a restart in this module's
// scope, only the installed epoch does.
type persistedState struct {
	Context               commit.GroupContext
	Tree                  *ratchettree.Tree
	InterimTranscriptHash []byte
	JoinerSecret          []byte
	PSKSecret             []byte
	OwnLeaf               ratchettree.LeafIndex
}

func (p persistedState) Marshal(w *wireformat.Writer) {
	p.Context.Marshal(w)
	p.Tree.Marshal(w)
	w.Opaque(p.InterimTranscriptHash)
	w.Opaque(p.JoinerSecret)
	w.Opaque(p.PSKSecret)
	w.Uint32(uint32(p.OwnLeaf))
}

// unmarshalPersistedState decodes persistedState, binding its tree to
// suite. Like commit.GroupInfo, it does not implement wireformat.Unmarshaler
// since a tree cannot be decoded without a crypto.Provider to hash it with.
func unmarshalPersistedState(suite crypto.Provider, data []byte) (*persistedState, error) {
	r := wireformat.NewReader(data)

	var p persistedState
	if err := p.Context.Unmarshal(r); err != nil {
		return nil, err
	}
	tree, err := ratchettree.UnmarshalTree(suite, r)
	if err != nil {
		return nil, err
	}
	p.Tree = tree
	if p.InterimTranscriptHash, err = r.Opaque(); err != nil {
		return nil, err
	}
	if p.JoinerSecret, err = r.Opaque(); err != nil {
		return nil, err
	}
	if p.PSKSecret, err = r.Opaque(); err != nil {
		return nil, err
	}
	ownLeaf, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	p.OwnLeaf = ratchettree.LeafIndex(ownLeaf)
	return &p, r.Finish()
}

// SaveState checkpoints s's current epoch to store, keyed by its group ID,
// per storage.GroupStateStorage's "typically group_id" key convention. A
// nil store is a no-op, so callers that never configure persistence can
// call it unconditionally.
func (s *Session) SaveState(store storage.GroupStateStorage) error {
	if store == nil {
		return nil
	}
	p := persistedState{
		Context:               s.current.Context,
		Tree:                  s.current.Tree,
		InterimTranscriptHash: s.current.InterimTranscriptHash,
		JoinerSecret:          s.current.Secrets.JoinerSecret,
		PSKSecret:             s.pskSecret,
		OwnLeaf:               s.ownLeaf,
	}
	if err := store.Put(s.current.Context.GroupID, wireformat.Marshal(p)); err != nil {
		return fmt.Errorf("group: save state: %w", err)
	}
	return nil
}

// LoadState resumes a Session previously checkpointed by SaveState. Epoch
// secrets are rederived from the persisted joiner_secret rather than the
// full EpochSecrets fan-out being stored at rest, matching how a Welcome
// recipient bootstraps via JoinFromWelcome.
func LoadState(cfg Config, store storage.GroupStateStorage, groupID []byte, ownLeafPriv crypto.HPKEPrivateKey, member Member) (*Session, error) {
	data, err := store.Get(groupID)
	if err != nil {
		return nil, fmt.Errorf("group: load state: %w", err)
	}
	p, err := unmarshalPersistedState(cfg.Suite, data)
	if err != nil {
		return nil, fmt.Errorf("group: decode persisted state: %w", err)
	}

	secrets := keyschedule.DeriveEpoch(cfg.Suite, p.JoinerSecret, p.PSKSecret, p.Context.Encode())
	epoch := commit.NewEpochState(cfg.Suite, p.Tree, p.Context, p.InterimTranscriptHash, secrets, cfg.ReplayWindow)

	return &Session{
		cfg:       cfg,
		current:   epoch,
		ownLeaf:   p.OwnLeaf,
		member:    member,
		known:     map[ratchettree.NodeIndex]crypto.HPKEPrivateKey{ratchettree.ToNodeIndex(p.OwnLeaf): ownLeafPriv},
		pending:   &proposal.Bundle{},
		byRef:     map[string]proposal.Entry{},
		pskSecret: p.PSKSecret,
	}, nil
}
