package containment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tripwire/lookout/internal/fsutil"
	"github.com/tripwire/lookout/internal/item"
	"github.com/tripwire/lookout/internal/sysexec"
)

// PersistenceRecord captures everything needed to undo a disable exactly.
type PersistenceRecord struct {
	PlistPath  string
	BackupPath string
	PlistHash  string
	PlistMode  os.FileMode
	BinaryPath string
	BinaryHash string
	Method     string
	// Unloaded is true when the service manager stopped the job.
	Unloaded bool
}

// PersistenceDisabler removes an item's autostart definition and can put it
// back byte for byte.
type PersistenceDisabler interface {
	Disable(ctx context.Context, it item.PersistenceItem) (PersistenceRecord, error)
	Restore(ctx context.Context, it item.PersistenceItem, rec PersistenceRecord) error
}

// ServiceManager stops and starts the job behind a definition file.
type ServiceManager interface {
	Unload(ctx context.Context, it item.PersistenceItem) error
	Load(ctx context.Context, it item.PersistenceItem) error
}

// ErrUnsupportedCategory is returned for items whose definition file is
// shared with other items (crontabs, shell rc files) and so cannot be moved
// aside without collateral damage.
var ErrUnsupportedCategory = errors.New("containment: persistence disable not supported for category")

// FileDisabler moves the definition file into a backup directory. The
// backup is named after its content hash so restores can be verified.
type FileDisabler struct {
	backupDir string
	services  map[item.Category]ServiceManager
	now       func() time.Time
}

// NewFileDisabler returns a disabler storing backups under backupDir.
// services maps categories to the manager that unloads their jobs; a
// category without a manager is only moved aside.
func NewFileDisabler(backupDir string, services map[item.Category]ServiceManager) *FileDisabler {
	return &FileDisabler{backupDir: backupDir, services: services, now: time.Now}
}

var disableable = map[item.Category]bool{
	item.CategoryLaunchAgent:         true,
	item.CategoryLaunchDaemon:        true,
	item.CategorySystemdUnit:         true,
	item.CategoryPeriodicScript:      true,
	item.CategoryLoginItem:           true,
	item.CategoryAuthorizationPlugin: true,
}

// Disable implements PersistenceDisabler.
func (d *FileDisabler) Disable(ctx context.Context, it item.PersistenceItem) (PersistenceRecord, error) {
	rec := PersistenceRecord{PlistPath: it.PlistPath, BinaryPath: it.ExecutablePath, Method: "file-move"}
	if !disableable[it.Category] {
		return rec, fmt.Errorf("%w: %s", ErrUnsupportedCategory, it.Category)
	}
	if it.PlistPath == "" {
		return rec, errors.New("containment: item has no definition file")
	}

	fi, err := os.Stat(it.PlistPath)
	if err != nil {
		return rec, fmt.Errorf("containment: stat %s: %w", it.PlistPath, err)
	}
	data, err := os.ReadFile(it.PlistPath)
	if err != nil {
		return rec, fmt.Errorf("containment: read %s: %w", it.PlistPath, err)
	}
	rec.PlistMode = fi.Mode().Perm()
	rec.PlistHash = fsutil.HashBytes(data)
	if it.ExecutablePath != "" {
		// best effort: a missing binary is still worth disabling
		rec.BinaryHash, _ = fsutil.HashFile(it.ExecutablePath)
	}

	if err := os.MkdirAll(d.backupDir, 0o700); err != nil {
		return rec, fmt.Errorf("containment: create backup dir: %w", err)
	}
	rec.BackupPath = filepath.Join(d.backupDir,
		fmt.Sprintf("%s_%s_%s.disabled", d.now().UTC().Format("20060102T150405"), rec.PlistHash[:16], filepath.Base(it.PlistPath)))
	if err := fsutil.WriteFileAtomic(rec.BackupPath, data, 0o600); err != nil {
		return rec, fmt.Errorf("containment: write backup: %w", err)
	}

	if sm := d.services[it.Category]; sm != nil {
		rec.Unloaded = sm.Unload(ctx, it) == nil
	}

	if err := os.Remove(it.PlistPath); err != nil {
		if rec.Unloaded {
			_ = d.services[it.Category].Load(ctx, it)
		}
		_ = os.Remove(rec.BackupPath)
		return rec, fmt.Errorf("containment: remove %s: %w", it.PlistPath, err)
	}
	return rec, nil
}

// Restore implements PersistenceDisabler. The backup must still hash to
// the recorded value.
func (d *FileDisabler) Restore(ctx context.Context, it item.PersistenceItem, rec PersistenceRecord) error {
	data, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("containment: read backup %s: %w", rec.BackupPath, err)
	}
	if got := fsutil.HashBytes(data); got != rec.PlistHash {
		return fmt.Errorf("containment: backup %s hash mismatch: got %s, want %s", rec.BackupPath, got, rec.PlistHash)
	}

	mode := rec.PlistMode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(rec.PlistPath), 0o755); err != nil {
		return fmt.Errorf("containment: recreate %s: %w", filepath.Dir(rec.PlistPath), err)
	}
	if err := fsutil.WriteFileAtomic(rec.PlistPath, data, mode); err != nil {
		return fmt.Errorf("containment: restore %s: %w", rec.PlistPath, err)
	}
	if sm := d.services[it.Category]; sm != nil && rec.Unloaded {
		// the file is back; a failed reload only delays the job until next boot
		_ = sm.Load(ctx, it)
	}
	_ = os.Remove(rec.BackupPath)
	return nil
}

func (r PersistenceRecord) details() map[string]string {
	return map[string]string{
		"plist_mode":         strconv.FormatUint(uint64(r.PlistMode), 8),
		"unloaded":           strconv.FormatBool(r.Unloaded),
		"persistence_method": r.Method,
	}
}

func recordFromAction(a *Action) PersistenceRecord {
	rec := PersistenceRecord{
		PlistPath:  a.PlistPath,
		BackupPath: a.PlistBackupPath,
		PlistHash:  a.PlistHash,
		BinaryPath: a.BinaryPath,
		BinaryHash: a.BinaryHash,
		Method:     a.Details["persistence_method"],
		Unloaded:   a.Details["unloaded"] == "true",
	}
	if m, err := strconv.ParseUint(a.Details["plist_mode"], 8, 32); err == nil {
		rec.PlistMode = os.FileMode(m)
	}
	return rec
}

// LaunchctlManager drives launchd jobs.
type LaunchctlManager struct {
	Runner sysexec.Runner
}

func (m LaunchctlManager) Unload(ctx context.Context, it item.PersistenceItem) error {
	_, err := m.Runner.Run(ctx, "launchctl", []string{"unload", it.PlistPath}, nil)
	return err
}

func (m LaunchctlManager) Load(ctx context.Context, it item.PersistenceItem) error {
	_, err := m.Runner.Run(ctx, "launchctl", []string{"load", it.PlistPath}, nil)
	return err
}

// SystemctlManager drives systemd units.
type SystemctlManager struct {
	Runner sysexec.Runner
}

func (m SystemctlManager) Unload(ctx context.Context, it item.PersistenceItem) error {
	_, err := m.Runner.Run(ctx, "systemctl", []string{"stop", it.Identifier}, nil)
	return err
}

func (m SystemctlManager) Load(ctx context.Context, it item.PersistenceItem) error {
	if _, err := m.Runner.Run(ctx, "systemctl", []string{"daemon-reload"}, nil); err != nil {
		return err
	}
	_, err := m.Runner.Run(ctx, "systemctl", []string{"start", it.Identifier}, nil)
	return err
}

// DefaultServices wires launchctl and systemctl through r.
func DefaultServices(r sysexec.Runner) map[item.Category]ServiceManager {
	l := LaunchctlManager{Runner: r}
	return map[item.Category]ServiceManager{
		item.CategoryLaunchAgent:  l,
		item.CategoryLaunchDaemon: l,
		item.CategorySystemdUnit:  SystemctlManager{Runner: r},
	}
}
