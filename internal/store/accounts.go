// Package store persists the account pool and related state as JSON files
// under the user config directory. Writes are atomic (temp file + rename)
// and serialised through a single writer lock; the on-disk file may be
// edited externally and reloaded without losing in-memory transient state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// Credential sources.
const (
	SourceOAuth    = "oauth"
	SourceManual   = "manual"
	SourceDatabase = "database"
)

// Account is one upstream identity in the pool.
type Account struct {
	Email   string `json:"email"`
	Source  string `json:"source"`
	Enabled bool   `json:"enabled"`

	// Composite refresh token: refreshToken|projectId|managedProjectId.
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`

	QuotaThreshold       *float64           `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64 `json:"modelQuotaThresholds,omitempty"`
	Quota                *QuotaInfo         `json:"quota,omitempty"`

	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	LastUsed      int64  `json:"lastUsed,omitempty"`
	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`

	// Runtime state, never persisted.
	ConsecutiveFailures int    `json:"-"`
	CoolingDownUntil    int64  `json:"-"`
	CooldownReason      string `json:"-"`
}

// SubscriptionInfo records the detected subscription tier.
type SubscriptionInfo struct {
	Tier       string `json:"tier"` // free, pro, ultra, unknown
	ProjectID  string `json:"projectId,omitempty"`
	DetectedAt int64  `json:"detectedAt"`
}

// QuotaInfo is a per-model quota snapshot.
type QuotaInfo struct {
	Models      map[string]*ModelQuotaInfo `json:"models"`
	LastChecked int64                      `json:"lastChecked,omitempty"`
}

// ModelQuotaInfo is the quota snapshot for one model.
type ModelQuotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime,omitempty"`
}

// RateLimitInfo is the per-(account, model) rate-limit entry. ResetTime is
// an absolute Unix-millisecond timestamp, never a relative delay.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`
	ActualResetMs int64 `json:"actualResetMs,omitempty"`
}

// RateLimitFor returns the entry for a model, nil when absent.
func (a *Account) RateLimitFor(modelID string) *RateLimitInfo {
	if a.ModelRateLimits == nil {
		return nil
	}
	return a.ModelRateLimits[modelID]
}

// SetRateLimit records a rate-limit entry for a model.
func (a *Account) SetRateLimit(modelID string, info *RateLimitInfo) {
	if a.ModelRateLimits == nil {
		a.ModelRateLimits = make(map[string]*RateLimitInfo)
	}
	a.ModelRateLimits[modelID] = info
}

// ClearRateLimit removes the entry for a model.
func (a *Account) ClearRateLimit(modelID string) {
	delete(a.ModelRateLimits, modelID)
}

// IsRateLimitedFor reports whether the account is currently rate-limited
// for the model (an expired entry does not count).
func (a *Account) IsRateLimitedFor(modelID string, now time.Time) bool {
	info := a.RateLimitFor(modelID)
	if info == nil || !info.IsRateLimited {
		return false
	}
	return info.ResetTime == 0 || now.UnixMilli() < info.ResetTime
}

// document is the on-disk layout of accounts.json.
type document struct {
	Accounts    []*Account     `json:"accounts"`
	Settings    map[string]any `json:"settings"`
	ActiveIndex int            `json:"activeIndex"`
}

// Store is the file-backed credential store.
type Store struct {
	mu          sync.Mutex
	path        string
	maxAccounts int

	accounts    []*Account
	settings    map[string]any
	activeIndex int
	loaded      bool
}

// NewStore creates a store backed by path. maxAccounts caps inserts;
// zero means the package default.
func NewStore(path string, maxAccounts int) *Store {
	if maxAccounts <= 0 {
		maxAccounts = 10
	}
	return &Store{
		path:        path,
		maxAccounts: maxAccounts,
		settings:    make(map[string]any),
	}
}

// Load reads the document from disk. Missing files yield an empty pool.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.accounts = nil
			s.settings = make(map[string]any)
			s.loaded = true
			return nil
		}
		return err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	s.accounts = doc.Accounts
	s.settings = doc.Settings
	if s.settings == nil {
		s.settings = make(map[string]any)
	}
	s.activeIndex = doc.ActiveIndex
	s.loaded = true
	return nil
}

// Reload re-reads the file and merges into the live pool, preserving
// transient fields by matching accounts on email.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := make(map[string]*Account, len(s.accounts))
	for _, acc := range s.accounts {
		previous[acc.Email] = acc
	}

	if err := s.loadLocked(); err != nil {
		return err
	}

	for _, acc := range s.accounts {
		if old, ok := previous[acc.Email]; ok {
			acc.ConsecutiveFailures = old.ConsecutiveFailures
			acc.CoolingDownUntil = old.CoolingDownUntil
			acc.CooldownReason = old.CooldownReason
			if acc.ModelRateLimits == nil {
				acc.ModelRateLimits = old.ModelRateLimits
			}
		}
	}
	return nil
}

// Save writes the document atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := utils.EnsureDir(filepath.Dir(s.path)); err != nil {
		return err
	}

	doc := document{
		Accounts:    s.accounts,
		Settings:    s.settings,
		ActiveIndex: s.activeIndex,
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// List returns the live account slice. Callers must treat it as owned by
// the pool manager; the store hands out the same pointers on purpose so
// rate-limit marks survive a save/load-free lifetime.
func (s *Store) List() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Get returns the account for email, nil when absent.
func (s *Store) Get(email string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(email)
}

func (s *Store) findLocked(email string) *Account {
	for _, acc := range s.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// Upsert adds or replaces an account and saves. Inserts respect the
// max-accounts cap; email uniqueness is the document key.
func (s *Store) Upsert(account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.Email == "" {
		return fmt.Errorf("account has no email")
	}
	if account.CreatedAt == 0 {
		account.CreatedAt = time.Now().UnixMilli()
	}

	for i, existing := range s.accounts {
		if existing.Email == account.Email {
			// Keep runtime state across the replacement.
			account.ConsecutiveFailures = existing.ConsecutiveFailures
			account.CoolingDownUntil = existing.CoolingDownUntil
			account.CooldownReason = existing.CooldownReason
			s.accounts[i] = account
			return s.saveLocked()
		}
	}

	if len(s.accounts) >= s.maxAccounts {
		return fmt.Errorf("maximum of %d accounts reached", s.maxAccounts)
	}

	s.accounts = append(s.accounts, account)
	return s.saveLocked()
}

// Remove deletes an account and saves.
func (s *Store) Remove(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, acc := range s.accounts {
		if acc.Email == email {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("account %s not found", email)
}

// SetEnabled flips the enabled flag and saves.
func (s *Store) SetEnabled(email string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(email)
	if acc == nil {
		return fmt.Errorf("account %s not found", email)
	}
	acc.Enabled = enabled
	return s.saveLocked()
}

// SetInvalid marks an account invalid with a reason and saves. Invalid
// accounts stay in the pool but are never selected.
func (s *Store) SetInvalid(email, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(email)
	if acc == nil {
		return fmt.Errorf("account %s not found", email)
	}
	acc.IsInvalid = true
	acc.InvalidReason = reason
	acc.InvalidAt = time.Now().UnixMilli()
	return s.saveLocked()
}

// ClearInvalid re-validates an account (explicit re-enrolment path).
func (s *Store) ClearInvalid(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(email)
	if acc == nil {
		return fmt.Errorf("account %s not found", email)
	}
	acc.IsInvalid = false
	acc.InvalidReason = ""
	acc.InvalidAt = 0
	return s.saveLocked()
}

// SetThresholds updates the account-level and per-model quota thresholds.
// Thresholds are fractions in [0, 1).
func (s *Store) SetThresholds(email string, accountThreshold *float64, perModel map[string]float64) error {
	if accountThreshold != nil && (*accountThreshold < 0 || *accountThreshold >= 1) {
		return fmt.Errorf("quota threshold must be in [0, 1)")
	}
	for model, v := range perModel {
		if v < 0 || v >= 1 {
			return fmt.Errorf("quota threshold for %s must be in [0, 1)", model)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.findLocked(email)
	if acc == nil {
		return fmt.Errorf("account %s not found", email)
	}
	acc.QuotaThreshold = accountThreshold
	if perModel != nil {
		acc.ModelQuotaThresholds = perModel
	}
	return s.saveLocked()
}

// Count returns the number of accounts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// ActiveIndex returns the persisted sticky cursor.
func (s *Store) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIndex
}

// SetActiveIndex persists the sticky cursor.
func (s *Store) SetActiveIndex(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeIndex = idx
	_ = s.saveLocked()
}

// Settings returns the settings map stored alongside accounts.
func (s *Store) Settings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}
