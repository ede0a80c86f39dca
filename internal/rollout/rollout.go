// Package rollout decides, per session, whether agent deployment uses
// the dynamic session-scoped path or falls back to the legacy static
// agent files, and restores legacy files from backup when the fallback
// is taken.
package rollout

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Routing strategies.
const (
	StrategyDynamic = "dynamic_session_scoped"
	StrategyLegacy  = "legacy_static_fallback"
)

// Decision reasons, in precedence order.
const (
	ReasonForcedFallback = "forced_legacy_fallback"
	ReasonFlagDisabled   = "feature_flag_disabled"
	ReasonCanaryHoldback = "deprecation_window_canary_holdback"
	ReasonDynamicEnabled = "dynamic_enabled"
)

// Inputs are the explicit knobs for one decision. Nil pointers take the
// defaults: flag enabled, canary 100, no forced fallback, deprecation
// window active.
type Inputs struct {
	SessionID               string
	FeatureFlagEnabled      *bool
	CanaryPercent           *int
	ForceLegacyFallback     *bool
	DeprecationWindowActive *bool
	BackupDirectoryOverride string
}

// Decision is the routing outcome for one session.
type Decision struct {
	Strategy                string `json:"strategy"`
	Reason                  string `json:"reason"`
	CanaryBucket            int    `json:"canary_bucket"`
	CanaryPercent           int    `json:"canary_percent"`
	FeatureFlagEnabled      bool   `json:"feature_flag_enabled"`
	ForceLegacyFallback     bool   `json:"force_legacy_fallback"`
	DeprecationWindowActive bool   `json:"deprecation_window_active"`
	BackupDirectory         string `json:"backup_directory,omitempty"`
}

// CanaryBucket maps a session ID onto a stable bucket in [0, 100).
// The same session always lands in the same bucket, so its routing
// decision cannot flap within a deprecation window.
func CanaryBucket(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % 100)
}

// ResolveHubRolloutDecision is a pure function over its inputs.
// Precedence, first match wins: forced fallback, feature flag disabled,
// canary holdback during a deprecation window, then dynamic.
func ResolveHubRolloutDecision(workspacePath string, in Inputs) Decision {
	d := Decision{
		FeatureFlagEnabled:      boolOr(in.FeatureFlagEnabled, true),
		CanaryPercent:           intOr(in.CanaryPercent, 100),
		ForceLegacyFallback:     boolOr(in.ForceLegacyFallback, false),
		DeprecationWindowActive: boolOr(in.DeprecationWindowActive, true),
		CanaryBucket:            CanaryBucket(in.SessionID),
		BackupDirectory:         in.BackupDirectoryOverride,
	}
	if d.BackupDirectory == "" {
		d.BackupDirectory = filepath.Join(workspacePath, ".planhub", "agents-backup")
	}

	switch {
	case d.ForceLegacyFallback:
		d.Strategy = StrategyLegacy
		d.Reason = ReasonForcedFallback
	case !d.FeatureFlagEnabled:
		d.Strategy = StrategyLegacy
		d.Reason = ReasonFlagDisabled
	case d.DeprecationWindowActive && d.CanaryBucket >= d.CanaryPercent:
		d.Strategy = StrategyLegacy
		d.Reason = ReasonCanaryHoldback
	default:
		d.Strategy = StrategyDynamic
		d.Reason = ReasonDynamicEnabled
	}
	return d
}

// RestoreResult reports what a legacy restore did.
type RestoreResult struct {
	RestoredFiles []string `json:"restored_files"`
	MatchedPath   string   `json:"matched_path,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// RestoreLegacyStaticAgents copies legacy agent files from the backup
// directory into the workspace's live agents directory. An empty backup
// is populated from the canonical agents root first; a wholly
// unavailable backup falls back to copying from the canonical root
// directly, with a warning. Restoring some working agent file wins over
// perfect provenance. Individual copy failures are warnings, not
// errors.
func RestoreLegacyStaticAgents(workspacePath, agentType, backupDirectory, canonicalRoot string) (*RestoreResult, error) {
	result := &RestoreResult{}
	liveDir := filepath.Join(workspacePath, ".planhub", "agents")
	if err := os.MkdirAll(liveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create live agents dir: %w", err)
	}

	sourceDir := backupDirectory
	if err := populateBackup(backupDirectory, canonicalRoot, result); err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("backup directory unavailable (%v); restoring from canonical root", err))
		sourceDir = canonicalRoot
	}

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("read restore source %s: %w", sourceDir, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		src := filepath.Join(sourceDir, ent.Name())
		dst := filepath.Join(liveDir, ent.Name())
		if err := copyFile(src, dst); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("copy %s: %v", ent.Name(), err))
			continue
		}
		result.RestoredFiles = append(result.RestoredFiles, dst)
		if matchesAgentType(ent.Name(), agentType) {
			result.MatchedPath = dst
		}
	}
	return result, nil
}

// populateBackup fills an empty backup directory from the canonical
// agents root so later restores have provenance even if the canonical
// root changes.
func populateBackup(backupDirectory, canonicalRoot string, result *RestoreResult) error {
	if err := os.MkdirAll(backupDirectory, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(backupDirectory)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}

	canonical, err := os.ReadDir(canonicalRoot)
	if err != nil {
		return fmt.Errorf("read canonical agents root: %w", err)
	}
	for _, ent := range canonical {
		if ent.IsDir() {
			continue
		}
		src := filepath.Join(canonicalRoot, ent.Name())
		dst := filepath.Join(backupDirectory, ent.Name())
		if err := copyFile(src, dst); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("populate backup %s: %v", ent.Name(), err))
		}
	}
	return nil
}

func matchesAgentType(fileName, agentType string) bool {
	if agentType == "" {
		return false
	}
	base := strings.TrimSuffix(strings.TrimSuffix(fileName, filepath.Ext(fileName)), ".")
	return strings.EqualFold(base, agentType)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
