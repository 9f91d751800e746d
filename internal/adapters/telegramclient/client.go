// Package telegramclientadapter is the gotd/td-backed implementation of the
// domain's telegramclient.Client port: one MTProto session per account,
// multiplexed behind a single Pool so the Dispatcher (C7) can address any
// account by its opaque AccountID. Grounded on the teacher's
// telegramnotifier.ClientSender (send path) and FloodWaitExtractor (error
// classification).
package telegramclientadapter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tgfleet/internal/domain/telegramclient"
	"tgfleet/internal/infra/logger"

	"go.uber.org/zap"
)

// PeerResolver resolves an opaque numeric target id to a Telegram input
// peer. Each registered account supplies its own; no implementation ships
// in this repository.
type PeerResolver interface {
	InputPeerByKind(ctx context.Context, kind string, id int64) (tg.InputPeerClass, error)
}

// Account is one registered account's send path: its MTProto API handle
// and its peer resolver.
type Account struct {
	API   *tg.Client
	Peers PeerResolver
}

// Pool multiplexes SendMessage across every registered account's own
// MTProto session, implementing telegramclient.Client.
type Pool struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewPool() *Pool {
	return &Pool{accounts: make(map[string]Account)}
}

// Register binds accountID to its live MTProto session. Called once per
// account during startup, after that account's auth flow completes.
func (p *Pool) Register(accountID string, acc Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[accountID] = acc
}

// Unregister drops accountID, e.g. on session logout or permanent ban.
func (p *Pool) Unregister(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.accounts, accountID)
}

// SendMessage implements telegramclient.Client.
func (p *Pool) SendMessage(ctx context.Context, accountID, targetID, text string) telegramclient.Outcome {
	p.mu.RLock()
	acc, ok := p.accounts[accountID]
	p.mu.RUnlock()
	if !ok {
		return telegramclient.Outcome{Kind: telegramclient.OutcomeGeneric, Message: fmt.Sprintf("account %s not registered", accountID)}
	}

	peerID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return telegramclient.Outcome{Kind: telegramclient.OutcomePeerIDInvalid, Message: err.Error()}
	}

	peer, err := acc.Peers.InputPeerByKind(ctx, "user", peerID)
	if err != nil {
		return classifyResolveError(err)
	}

	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: stableRandomID(accountID, targetID),
	}
	_, err = acc.API.MessagesSendMessage(ctx, req)
	if err != nil {
		logger.Debug("telegramclientadapter: send failed",
			zap.String("account_id", accountID), zap.String("target_id", targetID), zap.Error(err))
	}
	return classifySendError(err)
}

// floodWaitJitterMax matches the teacher's jitter window, spreading
// simultaneous re-entries into the same flood-wait window across workers.
const floodWaitJitterMax = 3

func classifySendError(err error) telegramclient.Outcome {
	if err == nil {
		return telegramclient.Outcome{Kind: telegramclient.OutcomeSuccess}
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		jitter := rand.IntN(floodWaitJitterMax + 1) // #nosec G404
		return telegramclient.Outcome{Kind: telegramclient.OutcomeFloodWait, Seconds: int(wait.Seconds()) + jitter}
	}

	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Type {
		case "USER_IS_BLOCKED":
			return telegramclient.Outcome{Kind: telegramclient.OutcomeUserBlocked, Message: rpcErr.Type}
		case "USER_PRIVACY_RESTRICTED":
			return telegramclient.Outcome{Kind: telegramclient.OutcomeUserPrivacyRestricted, Message: rpcErr.Type}
		case "PEER_ID_INVALID", "USER_ID_INVALID":
			return telegramclient.Outcome{Kind: telegramclient.OutcomePeerIDInvalid, Message: rpcErr.Type}
		case "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
			return telegramclient.Outcome{Kind: telegramclient.OutcomeUserDeactivated, Message: rpcErr.Type}
		case "CHAT_WRITE_FORBIDDEN", "USER_BANNED_IN_CHANNEL":
			return telegramclient.Outcome{Kind: telegramclient.OutcomeUserBannedInChannel, Message: rpcErr.Type}
		}
	}
	return telegramclient.Outcome{Kind: telegramclient.OutcomeGeneric, Message: err.Error()}
}

func classifyResolveError(err error) telegramclient.Outcome {
	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Type {
		case "PEER_ID_INVALID", "USER_ID_INVALID":
			return telegramclient.Outcome{Kind: telegramclient.OutcomePeerIDInvalid, Message: rpcErr.Type}
		case "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
			return telegramclient.Outcome{Kind: telegramclient.OutcomeUserDeactivated, Message: rpcErr.Type}
		}
	}
	return telegramclient.Outcome{Kind: telegramclient.OutcomePeerIDInvalid, Message: err.Error()}
}

// stableRandomID derives a deterministic random_id from (accountID,
// targetID) so a dispatcher retry of the same target never double-sends,
// mirroring the teacher's per-(job,recipient) determinism.
func stableRandomID(accountID, targetID string) int64 {
	h := fnv64a(accountID + "|" + targetID)
	if h == 0 {
		h = 1
	}
	return int64(h)
}

func fnv64a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
