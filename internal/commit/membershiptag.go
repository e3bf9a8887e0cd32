package commit

import (
	"github.com/s3131212/mls-go/internal/crypto"
	"github.com/s3131212/mls-go/internal/wireformat"
)

// ErrMembershipTagInvalid is returned by VerifyMembershipTag when the tag
// does not match, per the supplemented membership-tag operation (DESIGN.md).
var ErrMembershipTagInvalid = crypto.ErrMacInvalid

// membershipTagInput reproduces membership_tag.rs's MLSContentTBM: the
// content-to-be-signed (group context bound in, per a member sender) plus
// the auth data already produced (signature, confirmation_tag).
func membershipTagInput(auth AuthenticatedContent, groupCtx GroupContext) []byte {
	w := wireformat.NewWriter()
	w.Raw(groupCtx.Encode())
	w.Raw(auth.TranscriptInput())
	w.Opaque(auth.ConfirmationTag)
	return w.Bytes()
}

// ComputeMembershipTag computes the MAC a member sender attaches to a
// PublicMessage-framed FramedContent, binding it to the epoch's
// membership_key so a receiver can authenticate that the message actually
// came from within the group (as opposed to merely carrying a valid
// signature from some key). Supplements spec.md's §4.C7 membership_key,
// whose consuming operation the distillation dropped.
func ComputeMembershipTag(suite crypto.Provider, auth AuthenticatedContent, groupCtx GroupContext, membershipKey []byte) []byte {
	return suite.MAC(membershipKey, membershipTagInput(auth, groupCtx))
}

// VerifyMembershipTag reports whether auth.MembershipTag is valid for
// groupCtx under membershipKey.
func VerifyMembershipTag(suite crypto.Provider, auth AuthenticatedContent, groupCtx GroupContext, membershipKey []byte) bool {
	return suite.VerifyMAC(membershipKey, membershipTagInput(auth, groupCtx), auth.MembershipTag)
}
