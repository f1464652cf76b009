// Package session decides which third-party authentication sessions a plan
// requires and reconciles them against stored credential bundles. It never
// authenticates anything itself; a missing session is context for the
// agent, not an orchestrator error.
package session

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// Required describes one session a plan needs.
type Required struct {
	Platform          string        `json:"platform"`
	Domain            string        `json:"domain"`
	SuggestedAuthType plan.AuthType `json:"suggested_auth_type"`
}

// Reconciliation buckets required sessions against the store.
type Reconciliation struct {
	Available []Match    `json:"available"`
	Missing   []Required `json:"missing"`
	Expired   []Match    `json:"expired"`
}

// Match pairs a requirement with the stored session that satisfied it.
type Match struct {
	Required Required          `json:"required"`
	Session  *plan.AuthSession `json:"session"`
}

// Store is the slice of the persistence gateway the manager uses.
type Store interface {
	ListSessionsByInstance(ctx context.Context, instanceID string) ([]plan.AuthSession, error)
	SaveSession(ctx context.Context, sess *plan.AuthSession) error
	TouchSession(ctx context.Context, id uuid.UUID) error
	RecordSessionRequest(ctx context.Context, instanceID, platform, domain string, authType plan.AuthType) error
}

// Manager detects, reconciles, and records auth sessions.
type Manager struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewManager creates a session manager.
func NewManager(store Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, now: time.Now, logger: logger}
}

// platformDomains maps known platform keywords to their canonical domain.
var platformDomains = map[string]string{
	"facebook":  "facebook.com",
	"instagram": "instagram.com",
	"linkedin":  "linkedin.com",
	"twitter":   "twitter.com",
	"google":    "google.com",
	"gmail":     "mail.google.com",
	"youtube":   "youtube.com",
	"tiktok":    "tiktok.com",
	"github":    "github.com",
	"slack":     "slack.com",
	"notion":    "notion.so",
	"airbnb":    "airbnb.com",
	"amazon":    "amazon.com",
	"shopify":   "shopify.com",
	"reddit":    "reddit.com",
}

// oauthPlatforms get an oauth suggestion; everything else is cookie-based.
var oauthPlatforms = map[string]bool{
	"google":  true,
	"gmail":   true,
	"youtube": true,
	"github":  true,
	"slack":   true,
}

// domainTokenRe matches bare domain-like tokens such as example.com.
var domainTokenRe = regexp.MustCompile(`\b([a-z0-9][a-z0-9-]*(?:\.[a-z0-9][a-z0-9-]*)*\.(?:com|net|org|io|co|so|app|dev|ai))\b`)

// DetectRequired scans plan and step text for known platform keywords and
// bare domain tokens, one requirement per distinct platform or domain.
func (m *Manager) DetectRequired(planText string) []Required {
	lower := strings.ToLower(planText)

	var out []Required
	seen := make(map[string]bool)

	for platform, domain := range platformDomains {
		if !strings.Contains(lower, platform) {
			continue
		}
		if seen[domain] {
			continue
		}
		seen[domain] = true
		out = append(out, Required{
			Platform:          platform,
			Domain:            domain,
			SuggestedAuthType: authTypeFor(platform),
		})
	}

	for _, m := range domainTokenRe.FindAllString(lower, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		platform := platformFromDomain(m)
		if seen[platformDomains[platform]] && platformDomains[platform] != m {
			// Keyword already produced the canonical form of this platform.
			continue
		}
		out = append(out, Required{
			Platform:          platform,
			Domain:            m,
			SuggestedAuthType: authTypeFor(platform),
		})
	}

	return out
}

func authTypeFor(platform string) plan.AuthType {
	if oauthPlatforms[platform] {
		return plan.AuthOAuth
	}
	return plan.AuthCookies
}

func platformFromDomain(domain string) string {
	host := domain
	host = strings.TrimPrefix(host, "www.")
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return host
}

// Reconcile classifies each requirement as available, expired, or missing.
// Matching is by domain equality or substring containment in either
// direction, so "facebook" matches "www.facebook.com" and vice versa.
func (m *Manager) Reconcile(required []Required, stored []plan.AuthSession) Reconciliation {
	var rec Reconciliation
	now := m.now()

	for _, req := range required {
		matched := false
		for i := range stored {
			s := &stored[i]
			if !domainsMatch(req, s) {
				continue
			}
			matched = true
			if s.Expired(now) {
				rec.Expired = append(rec.Expired, Match{Required: req, Session: s})
			} else {
				rec.Available = append(rec.Available, Match{Required: req, Session: s})
			}
			break
		}
		if !matched {
			rec.Missing = append(rec.Missing, req)
		}
	}
	return rec
}

func domainsMatch(req Required, s *plan.AuthSession) bool {
	reqDomain := strings.ToLower(req.Domain)
	storedDomain := strings.ToLower(s.Domain)
	platform := strings.ToLower(req.Platform)
	storedPlatform := strings.ToLower(s.Platform)

	switch {
	case reqDomain == storedDomain:
		return true
	case strings.Contains(storedDomain, reqDomain) || strings.Contains(reqDomain, storedDomain):
		return true
	case platform != "" && strings.Contains(storedDomain, platform):
		return true
	case storedPlatform != "" && strings.Contains(reqDomain, storedPlatform):
		return true
	}
	return false
}

// RequestCreation records an audit request for one missing session.
// Side-effecting and best effort: failures degrade to a warning.
func (m *Manager) RequestCreation(ctx context.Context, instanceID string, req Required) {
	if err := m.store.RecordSessionRequest(ctx, instanceID, req.Platform, req.Domain, req.SuggestedAuthType); err != nil {
		m.logger.Warn("session creation request not recorded",
			zap.String("platform", req.Platform),
			zap.String("domain", req.Domain),
			zap.Error(err))
	}
}

// SaveState persists a session snapshot after the agent signals acquisition.
// Best effort, same as RequestCreation.
func (m *Manager) SaveState(ctx context.Context, sess *plan.AuthSession) {
	if sess.AuthType == "" {
		sess.AuthType = authTypeFor(strings.ToLower(sess.Platform))
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Warn("session state not saved",
			zap.String("domain", sess.Domain),
			zap.Error(err))
	}
}

// MarkUsed bumps the usage bookkeeping on a matched session, best effort.
func (m *Manager) MarkUsed(ctx context.Context, sess *plan.AuthSession) {
	if err := m.store.TouchSession(ctx, sess.ID); err != nil {
		m.logger.Warn("session usage not recorded",
			zap.String("domain", sess.Domain), zap.Error(err))
	}
}
