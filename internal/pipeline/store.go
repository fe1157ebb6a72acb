package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store manages checkpoints, manifests and worker outputs on disk.
type Store struct {
	baseDir string // defaults to ~/.wayfinder
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.wayfinder, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return OpenStore(filepath.Join(home, ".wayfinder"))
}

// OpenStore returns a Store at dir, creating the directory if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// sessionDir returns the directory for a session.
func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, "sessions", sessionID)
}

// RunDir returns the directory holding everything written for one run.
func (s *Store) RunDir(sessionID, runID string) string {
	return filepath.Join(s.sessionDir(sessionID), "runs", runID)
}

// StagePath returns the checkpoint path for a stage id within a run.
func (s *Store) StagePath(sessionID, runID, stageID string) string {
	return filepath.Join(s.RunDir(sessionID, runID), "stages", stageID+".json")
}

func (s *Store) manifestPath(sessionID, runID string) string {
	return filepath.Join(s.RunDir(sessionID, runID), "manifest.json")
}

func (s *Store) latestPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "latest")
}

func (s *Store) workersDir(sessionID, runID string) string {
	return filepath.Join(s.RunDir(sessionID, runID), "workers")
}

// WriteCheckpoint persists a stage's output. data is marshalled as the opaque data section.
// It returns the path written.
func (s *Store) WriteCheckpoint(meta StageMetadata, data any) (string, error) {
	if meta.StageID == "" || meta.SessionID == "" || meta.RunID == "" {
		return "", fmt.Errorf("write checkpoint: stage id, session id and run id are required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s data: %w", meta.StageID, err)
	}
	if meta.SchemaVersion == "" {
		meta.SchemaVersion = SchemaVersion
	}
	if meta.CreatedAt == "" {
		meta.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	path := s.StagePath(meta.SessionID, meta.RunID, meta.StageID)
	if err := WriteJSON(path, Checkpoint{Metadata: meta, Data: raw}); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", meta.StageID, err)
	}
	return path, nil
}

// ReadStageFile reads a checkpoint without interpreting it. The result is the generic
// JSON decoding (normally map[string]any) so callers can validate its structure.
// A missing file returns an error satisfying os.IsNotExist.
func (s *Store) ReadStageFile(sessionID, runID, stageID string) (any, error) {
	data, err := os.ReadFile(s.StagePath(sessionID, runID, stageID))
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", stageID, err)
	}
	return raw, nil
}

// ReadCheckpoint reads a checkpoint into its typed form.
func (s *Store) ReadCheckpoint(sessionID, runID, stageID string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := ReadJSON(s.StagePath(sessionID, runID, stageID), &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// StageFileExists reports whether a checkpoint exists for the stage.
func (s *Store) StageFileExists(sessionID, runID, stageID string) bool {
	_, err := os.Stat(s.StagePath(sessionID, runID, stageID))
	return err == nil
}

// ListStageFiles returns the stage ids with checkpoints in a run, in stage order.
func (s *Store) ListStageFiles(sessionID, runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.RunDir(sessionID, runID), "stages"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stages dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !StageIDPattern.MatchString(id) {
			continue // skip temp files and strays
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GenerateManifest builds a manifest from the executor's bookkeeping.
func (s *Store) GenerateManifest(in ManifestInput) *Manifest {
	m := &Manifest{
		SessionID:  in.SessionID,
		RunID:      in.RunID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Success:    in.Success,
		Status:     in.Status,
		Stages:     []ManifestStage{},
		Skipped:    []string{},
		Degraded:   in.Degraded,
		FinalStage: in.FinalStage,
	}
	for _, st := range in.Executed {
		if st.Checkpoint == "" {
			st.Checkpoint = filepath.Join("stages", st.StageID+".json")
		}
		m.Stages = append(m.Stages, st)
	}
	m.Skipped = append(m.Skipped, in.Skipped...)
	return m
}

// SaveManifest writes the run manifest.
func (s *Store) SaveManifest(m *Manifest) error {
	if err := WriteJSON(s.manifestPath(m.SessionID, m.RunID), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest for a run.
func (s *Store) LoadManifest(sessionID, runID string) (*Manifest, error) {
	var m Manifest
	if err := ReadJSON(s.manifestPath(sessionID, runID), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest for run %s: %w", runID, fs.ErrNotExist)
		}
		return nil, err
	}
	return &m, nil
}

// UpdateLatestSymlink points <session>/latest at the given run.
func (s *Store) UpdateLatestSymlink(sessionID, runID string) error {
	if _, err := os.Stat(s.RunDir(sessionID, runID)); err != nil {
		return fmt.Errorf("run %s not found: %w", runID, err)
	}
	link := s.latestPath(sessionID)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Join("runs", runID), tmp); err != nil {
		return fmt.Errorf("symlink latest: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename latest: %w", err)
	}
	return nil
}

// LatestRunID resolves the latest pointer for a session.
func (s *Store) LatestRunID(sessionID string) (string, error) {
	target, err := os.Readlink(s.latestPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("session %s has no latest run: %w", sessionID, fs.ErrNotExist)
		}
		return "", fmt.Errorf("read latest: %w", err)
	}
	return filepath.Base(target), nil
}

// ListSessions returns all session ids, sorted.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRuns returns the runs of a session, most recently updated first.
func (s *Store) ListRuns(sessionID string) ([]RunInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.sessionDir(sessionID), "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // skip broken entries
		}
		stages, _ := s.ListStageFiles(sessionID, entry.Name())
		_, statErr := os.Stat(s.manifestPath(sessionID, entry.Name()))
		runs = append(runs, RunInfo{
			RunID:     entry.Name(),
			Stages:    len(stages),
			Manifest:  statErr == nil,
			UpdatedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].UpdatedAt == runs[j].UpdatedAt {
			return runs[i].RunID > runs[j].RunID
		}
		return runs[i].UpdatedAt > runs[j].UpdatedAt
	})
	return runs, nil
}

// SaveWorkerOutputs writes one raw JSON document per worker id.
func (s *Store) SaveWorkerOutputs(sessionID, runID string, outputs map[string]json.RawMessage) error {
	dir := s.workersDir(sessionID, runID)
	for id, raw := range outputs {
		if id == "" || strings.ContainsAny(id, `/\`) {
			return fmt.Errorf("invalid worker id %q", id)
		}
		if err := WriteAtomic(filepath.Join(dir, id+".json"), append(raw, '\n')); err != nil {
			return fmt.Errorf("write worker output %s: %w", id, err)
		}
	}
	return nil
}

// LoadWorkerOutputs reads every worker output saved for a run, keyed by worker id.
func (s *Store) LoadWorkerOutputs(sessionID, runID string) (map[string]json.RawMessage, error) {
	dir := s.workersDir(sessionID, runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no worker outputs for run %s: %w", runID, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read workers dir: %w", err)
	}
	out := make(map[string]json.RawMessage)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read worker output %s: %w", name, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("worker output %s: %w", name, errors.New("invalid JSON"))
		}
		out[strings.TrimSuffix(name, ".json")] = json.RawMessage(data)
	}
	return out, nil
}
