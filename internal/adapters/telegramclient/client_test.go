package telegramclientadapter

import (
	"testing"

	"github.com/gotd/td/tgerr"

	"tgfleet/internal/domain/telegramclient"
)

func TestClassifySendError_MapsKnownRPCErrorsToOutcomeKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		rpcType string
		want    telegramclient.OutcomeKind
	}{
		{"USER_IS_BLOCKED", telegramclient.OutcomeUserBlocked},
		{"USER_PRIVACY_RESTRICTED", telegramclient.OutcomeUserPrivacyRestricted},
		{"PEER_ID_INVALID", telegramclient.OutcomePeerIDInvalid},
		{"USER_DEACTIVATED", telegramclient.OutcomeUserDeactivated},
		{"USER_BANNED_IN_CHANNEL", telegramclient.OutcomeUserBannedInChannel},
	}
	for _, tc := range cases {
		err := &tgerr.Error{Type: tc.rpcType, Code: 400}
		out := classifySendError(err)
		if out.Kind != tc.want {
			t.Errorf("classifySendError(%s) kind = %v, want %v", tc.rpcType, out.Kind, tc.want)
		}
	}
}

func TestClassifySendError_UnknownRPCErrorIsGeneric(t *testing.T) {
	t.Parallel()
	err := &tgerr.Error{Type: "SOME_UNMAPPED_ERROR", Code: 500}
	out := classifySendError(err)
	if out.Kind != telegramclient.OutcomeGeneric {
		t.Fatalf("expected generic outcome for unmapped RPC error, got %v", out.Kind)
	}
}

func TestClassifySendError_NilErrorIsSuccess(t *testing.T) {
	t.Parallel()
	out := classifySendError(nil)
	if out.Kind != telegramclient.OutcomeSuccess {
		t.Fatalf("expected success outcome for nil error, got %v", out.Kind)
	}
}

func TestStableRandomID_IsDeterministicPerAccountTargetPair(t *testing.T) {
	t.Parallel()
	a := stableRandomID("+A", "u1")
	b := stableRandomID("+A", "u1")
	if a != b {
		t.Fatalf("expected stableRandomID to be deterministic, got %d and %d", a, b)
	}
	c := stableRandomID("+A", "u2")
	if a == c {
		t.Fatalf("expected different targets to derive different random ids")
	}
}
