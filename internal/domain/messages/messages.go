// Package messages is the idempotent per-target send ledger and the
// closed-set template renderer, per spec.md §4.9.
package messages

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"tgfleet/internal/domain/coreerr"
	"tgfleet/internal/domain/telegramclient"
	"tgfleet/internal/infra/boltstore"
)

const bucket = "campaign_messages"

// Status is the closed set of terminal (and in-flight) states a
// CampaignMessage can occupy.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// CampaignMessage is one (campaign_id, target_id) delivery record.
type CampaignMessage struct {
	CampaignID string    `json:"campaign_id"`
	AccountID  string    `json:"account_id"`
	TargetID   string    `json:"target_id"`
	Text       string    `json:"text,omitempty"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func key(campaignID, targetID string) string { return campaignID + "|" + targetID }

// Store is the durable (campaign_id,target_id)-unique message ledger.
type Store struct {
	db *boltstore.DB
}

func NewStore(path string) (*Store, error) {
	db, err := boltstore.Open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// insertOnce writes rec only if (campaign_id,target_id) has no existing
// record, enforcing write-once terminal statuses.
func (s *Store) insertOnce(rec CampaignMessage) error {
	k := key(rec.CampaignID, rec.TargetID)
	var existing CampaignMessage
	ok, err := s.db.GetJSON(bucket, k, &existing)
	if err != nil {
		return err
	}
	if ok && existing.Status != StatusPending {
		return &coreerr.ConflictingState{Kind: "campaign_message", ID: k, State: string(existing.Status), Wanted: "new record"}
	}
	return s.db.PutJSON(bucket, k, rec)
}

// RecordSent writes a terminal "sent" record for (campaignID,targetID).
// Implements dispatcher.MessageRecorder.
func (s *Store) RecordSent(campaignID, accountID, targetID, text string, at time.Time) error {
	return s.insertOnce(CampaignMessage{
		CampaignID: campaignID, AccountID: accountID, TargetID: targetID,
		Text: text, Status: StatusSent, RecordedAt: at,
	})
}

// RecordFailed writes a terminal "failed" record for (campaignID,targetID).
// Implements dispatcher.MessageRecorder.
func (s *Store) RecordFailed(campaignID, accountID, targetID, reason string, at time.Time) error {
	return s.insertOnce(CampaignMessage{
		CampaignID: campaignID, AccountID: accountID, TargetID: targetID,
		Status: StatusFailed, Reason: reason, RecordedAt: at,
	})
}

// Get returns the record for (campaignID,targetID), if any.
func (s *Store) Get(campaignID, targetID string) (CampaignMessage, bool, error) {
	var rec CampaignMessage
	ok, err := s.db.GetJSON(bucket, key(campaignID, targetID), &rec)
	return rec, ok, err
}

// CountByStatus tallies a campaign's records by status, for progress
// reporting.
func (s *Store) CountByStatus(campaignID string) (map[Status]int, error) {
	counts := make(map[Status]int)
	err := boltstore.ForEachJSON(s.db, bucket, func(k string, rec CampaignMessage) error {
		if rec.CampaignID == campaignID {
			counts[rec.Status]++
		}
		return nil
	})
	return counts, err
}

// --- Template rendering -----------------------------------------------

// allowedVars is the closed set of template placeholders.
var allowedVars = map[string]struct{}{
	"first_name": {}, "last_name": {}, "username": {}, "name": {}, "user_id": {},
}

var (
	placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)
	sanitizeRe    = regexp.MustCompile(`[^\w\s@._-]`)
)

const maxVarLen = 100

// ValidateTemplate checks brace balance, non-emptiness, and that every
// `{var}` belongs to the closed set. Called at campaign-creation time.
func ValidateTemplate(tmpl string) error {
	trimmed := strings.TrimSpace(tmpl)
	if trimmed == "" {
		return &coreerr.ValidationError{Field: "template", Reason: "empty template"}
	}
	if strings.Count(tmpl, "{") != strings.Count(tmpl, "}") {
		return &coreerr.ValidationError{Field: "template", Reason: "unbalanced braces"}
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if _, ok := allowedVars[m[1]]; !ok {
			return &coreerr.ValidationError{Field: "template", Reason: fmt.Sprintf("unknown variable {%s}", m[1])}
		}
	}
	return nil
}

// sanitize strips characters outside [\w\s@._-] and truncates to 100 runes.
func sanitize(s string) string {
	s = sanitizeRe.ReplaceAllString(s, "")
	r := []rune(s)
	if len(r) > maxVarLen {
		r = r[:maxVarLen]
	}
	return string(r)
}

func displayName(m telegramclient.Member) string {
	if m.FirstName != "" {
		return m.FirstName
	}
	if m.Username != "" {
		return m.Username
	}
	return "User_" + m.UserID
}

// Renderer renders a validated template against a member profile. Safe for
// concurrent use: SetTemplate (campaign creation) and Render (live
// dispatchers of other campaigns) run on different goroutines.
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]string // campaign_id -> template
}

func NewRenderer() *Renderer {
	return &Renderer{templates: make(map[string]string)}
}

// SetTemplate validates and registers campaignID's template.
func (r *Renderer) SetTemplate(campaignID, tmpl string) error {
	if err := ValidateTemplate(tmpl); err != nil {
		return err
	}
	r.mu.Lock()
	r.templates[campaignID] = tmpl
	r.mu.Unlock()
	return nil
}

// Render substitutes every `{var}` in campaignID's template exactly once
// with member's sanitized field values. Implements dispatcher.TemplateRenderer.
func (r *Renderer) Render(campaignID string, member telegramclient.Member) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[campaignID]
	r.mu.RUnlock()
	if !ok {
		return "", &coreerr.NotFound{Kind: "campaign_template", ID: campaignID}
	}

	values := map[string]string{
		"first_name": sanitize(member.FirstName),
		"last_name":  sanitize(member.LastName),
		"username":   sanitize(member.Username),
		"name":       sanitize(displayName(member)),
		"user_id":    sanitize(member.UserID),
	}

	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
	return strings.TrimSpace(out), nil
}
