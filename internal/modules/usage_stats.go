// Package modules holds self-contained server features; currently the
// usage statistics recorder.
package modules

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

const retentionDays = 30

// familyStats is the per-family bucket: model short name -> count, plus
// the family subtotal.
type familyStats map[string]int

// UsageStats counts requests per UTC hour, bucketed by model family and
// short model name. State lives in memory, flushes to disk on a one-minute
// timer when dirty, and prunes buckets older than 30 days.
type UsageStats struct {
	mu          sync.Mutex
	history     map[string]map[string]familyStats // hourKey -> family -> counts
	totals      map[string]int                    // hourKey -> _total
	dirty       bool
	path        string
	stopChan    chan struct{}
	stopOnce    sync.Once
	initialized bool
}

// NewUsageStats creates a recorder persisting to the default path.
func NewUsageStats() *UsageStats {
	return &UsageStats{
		history:  make(map[string]map[string]familyStats),
		totals:   make(map[string]int),
		path:     config.UsageHistoryPath,
		stopChan: make(chan struct{}),
	}
}

// Initialize migrates the legacy file if present, loads history and
// starts the flush/prune timers.
func (u *UsageStats) Initialize() {
	u.mu.Lock()
	if u.initialized {
		u.mu.Unlock()
		return
	}
	u.initialized = true
	u.mu.Unlock()

	u.migrateLegacyFile()
	if err := u.load(); err != nil {
		utils.Warn("[UsageStats] Failed to load history: %v", err)
	}

	go u.background()
	utils.Info("[UsageStats] Module initialized")
}

// Shutdown flushes pending counts and stops the timers.
func (u *UsageStats) Shutdown() {
	u.stopOnce.Do(func() { close(u.stopChan) })
	u.flush()
	utils.Info("[UsageStats] Module shutdown")
}

func (u *UsageStats) background() {
	flushTicker := time.NewTicker(time.Minute)
	pruneTicker := time.NewTicker(time.Hour)
	defer flushTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-u.stopChan:
			return
		case <-flushTicker.C:
			u.flush()
		case <-pruneTicker.C:
			if pruned := u.prune(); pruned > 0 {
				utils.Debug("[UsageStats] Pruned %d old bucket(s)", pruned)
			}
		}
	}
}

// migrateLegacyFile moves the history from the old location once.
func (u *UsageStats) migrateLegacyFile() {
	if utils.FileExists(u.path) || !utils.FileExists(config.LegacyUsageHistoryPath) {
		return
	}
	if err := utils.EnsureParentDir(u.path); err != nil {
		return
	}
	if err := os.Rename(config.LegacyUsageHistoryPath, u.path); err != nil {
		utils.Warn("[UsageStats] Legacy history migration failed: %v", err)
		return
	}
	utils.Info("[UsageStats] Migrated usage history from %s", config.LegacyUsageHistoryPath)
}

func hourKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:04:05.000Z")
}

// GetFamily buckets a model id by family.
func GetFamily(modelID string) string {
	lower := strings.ToLower(modelID)
	if strings.Contains(lower, "claude") {
		return "claude"
	}
	if strings.Contains(lower, "gemini") {
		return "gemini"
	}
	return "other"
}

// GetShortName strips the family prefix, "claude-opus-4-6" -> "opus-4-6".
func GetShortName(modelID, family string) string {
	if family == "other" {
		return modelID
	}
	prefix := family + "-"
	if strings.HasPrefix(strings.ToLower(modelID), prefix) {
		return modelID[len(prefix):]
	}
	return modelID
}

// Track counts one request for a model in the current hour bucket.
func (u *UsageStats) Track(modelID string) {
	family := GetFamily(modelID)
	short := GetShortName(modelID, family)
	key := hourKey(time.Now())

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.history[key] == nil {
		u.history[key] = make(map[string]familyStats)
	}
	if u.history[key][family] == nil {
		u.history[key][family] = make(familyStats)
	}
	u.history[key][family][short]++
	u.history[key][family]["_subtotal"]++
	u.totals[key]++
	u.dirty = true
}

// GetHistory renders the retained history as the persisted JSON shape:
// hour -> { _total, family -> { _subtotal, model -> count } }.
func (u *UsageStats) GetHistory() map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.renderLocked()
}

func (u *UsageStats) renderLocked() map[string]any {
	out := make(map[string]any, len(u.history))
	for key, families := range u.history {
		bucket := make(map[string]any, len(families)+1)
		bucket["_total"] = u.totals[key]
		for family, counts := range families {
			familyData := make(map[string]any, len(counts))
			for model, count := range counts {
				familyData[model] = count
			}
			bucket[family] = familyData
		}
		out[key] = bucket
	}
	return out
}

// GetSortedKeys returns the hour keys chronologically.
func (u *UsageStats) GetSortedKeys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	keys := make([]string, 0, len(u.history))
	for k := range u.history {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// flush writes the history when dirty, atomically.
func (u *UsageStats) flush() {
	u.mu.Lock()
	if !u.dirty {
		u.mu.Unlock()
		return
	}
	rendered := u.renderLocked()
	u.dirty = false
	u.mu.Unlock()

	if err := utils.EnsureParentDir(u.path); err != nil {
		return
	}
	data, err := json.MarshalIndent(rendered, "", "  ")
	if err != nil {
		return
	}
	tmp := u.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		utils.Warn("[UsageStats] Failed to write history: %v", err)
		return
	}
	if err := os.Rename(tmp, u.path); err != nil {
		utils.Warn("[UsageStats] Failed to replace history: %v", err)
	}
}

// load reads the persisted history.
func (u *UsageStats) load() error {
	data, err := os.ReadFile(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for key, bucket := range raw {
		for field, value := range bucket {
			if field == "_total" {
				if total, ok := value.(float64); ok {
					u.totals[key] = int(total)
				}
				continue
			}
			counts, ok := value.(map[string]any)
			if !ok {
				continue
			}
			if u.history[key] == nil {
				u.history[key] = make(map[string]familyStats)
			}
			fs := make(familyStats, len(counts))
			for model, count := range counts {
				if n, ok := count.(float64); ok {
					fs[model] = int(n)
				}
			}
			u.history[key][field] = fs
		}
	}
	return nil
}

// prune drops buckets older than the retention window.
func (u *UsageStats) prune() int {
	cutoff := hourKey(time.Now().AddDate(0, 0, -retentionDays))

	u.mu.Lock()
	defer u.mu.Unlock()

	pruned := 0
	for key := range u.history {
		if key < cutoff {
			delete(u.history, key)
			delete(u.totals, key)
			pruned++
		}
	}
	if pruned > 0 {
		u.dirty = true
	}
	return pruned
}

// Middleware tags tracked request paths so handlers can report the model
// once the body is parsed.
func (u *UsageStats) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost {
			path := c.Request.URL.Path
			if path == "/v1/messages" || path == "/v1/chat/completions" {
				c.Set("trackUsage", func(model string) { u.Track(model) })
			}
		}
		c.Next()
	}
}

// TrackFromContext invokes the tracker installed by Middleware.
func TrackFromContext(c *gin.Context, model string) {
	if fn, exists := c.Get("trackUsage"); exists {
		if track, ok := fn.(func(string)); ok {
			track(model)
		}
	}
}

// SetupRoutes mounts the stats API.
func (u *UsageStats) SetupRoutes(router *gin.RouterGroup) {
	router.GET("/stats/history", u.handleGetHistory)
}

func (u *UsageStats) handleGetHistory(c *gin.Context) {
	c.JSON(http.StatusOK, u.GetHistory())
}
