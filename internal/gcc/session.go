package gcc

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/haricheung/ops-shell/internal/types"
)

// Manager owns the on-disk session tree under the GCC base:
//
//	sessions/<id>/{metadata.yaml, log.md, commit.md, checkpoints/}
//	archived/
//	main.md            pointer to the active session (a hint, not a lock)
type Manager struct {
	base string
	log  *zap.Logger
}

// NewManager prepares the base layout.
func NewManager(base string, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, d := range []string{base, filepath.Join(base, "sessions"), filepath.Join(base, "archived")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("gcc: mkdir %s: %w", d, err)
		}
	}
	return &Manager{base: base, log: log.Named("sessions")}, nil
}

// Base returns the GCC base path.
func (m *Manager) Base() string { return m.base }

// SessionRoot returns sessions/<id>/ for id.
func (m *Manager) SessionRoot(id string) string {
	return filepath.Join(m.base, "sessions", id)
}

// Create builds a fresh session rooted at sessions/<id>/ with the id form
// session_NNN_YYYY-MM-DD_slug, writes metadata.yaml and points main.md at it.
func (m *Manager) Create(goal string) (types.Session, error) {
	now := time.Now()
	id := fmt.Sprintf("session_%03d_%s_%s", m.nextSeq(), now.Format("2006-01-02"), slug(goal))
	sess := types.Session{
		ID:          id,
		Title:       goal,
		Goal:        goal,
		Path:        m.SessionRoot(id),
		Status:      types.StatusActive,
		SessionType: types.SessionMain,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}
	if err := m.materialize(sess); err != nil {
		return types.Session{}, err
	}
	m.log.Info("session created", zap.String("id", id))
	return sess, nil
}

// Branch deep-copies parent's root into a new branch_<name>_<ts> session and
// appends a BRANCH marker to the new log. The parent is never touched.
func (m *Manager) Branch(parent types.Session, name string) (types.Session, error) {
	now := time.Now()
	id := fmt.Sprintf("branch_%s_%d", slug(name), now.Unix())
	sess := types.Session{
		ID:          id,
		Title:       name,
		Goal:        parent.Goal,
		Path:        m.SessionRoot(id),
		ParentID:    parent.ID,
		Status:      types.StatusActive,
		SessionType: types.SessionBranch,
		CreatedAt:   now.UTC().Format(time.RFC3339),
		Env:         parent.Env,
		EnvHash:     parent.EnvHash,
	}
	if err := copyTree(parent.Path, sess.Path); err != nil {
		return types.Session{}, fmt.Errorf("gcc: branch copy: %w", err)
	}
	if err := m.SaveMeta(sess); err != nil {
		return types.Session{}, err
	}
	marker := fmt.Sprintf("\n## [%s] AI: BRANCH from %s as %s\n**OBSERVATION:** branched for %s\n---\n",
		now.Format("15:04"), parent.ID, id, name)
	if err := NewLog(sess.Path, m.log).AppendRaw(marker); err != nil {
		m.log.Warn("branch marker append failed", zap.Error(err))
	}
	m.log.Info("session branched", zap.String("parent", parent.ID), zap.String("branch", id))
	return sess, nil
}

// Merge appends the branch's commit journal to the parent's log as a
// delimited MERGED FROM BRANCH section and marks the branch merged. Prior
// content on either side is never rewritten.
func (m *Manager) Merge(branch types.Session) error {
	if branch.ParentID == "" {
		return fmt.Errorf("gcc: session %s has no parent to merge into", branch.ID)
	}
	parent, err := m.LoadMeta(branch.ParentID)
	if err != nil {
		return fmt.Errorf("gcc: merge target: %w", err)
	}

	findings := NewLog(branch.Path, m.log).ReadCommits()
	if strings.TrimSpace(findings) == "" {
		findings = "(no commits recorded on branch)"
	}
	section := fmt.Sprintf("\n## [%s] AI: MERGED FROM BRANCH %s\n**OBSERVATION:** branch findings follow\n%s\n---\n",
		time.Now().Format("15:04"), branch.ID, strings.TrimSpace(findings))
	if err := NewLog(parent.Path, m.log).AppendRaw(section); err != nil {
		return fmt.Errorf("gcc: merge append: %w", err)
	}

	branch.Status = types.StatusMerged
	if err := m.SaveMeta(branch); err != nil {
		return err
	}
	m.log.Info("session merged", zap.String("branch", branch.ID), zap.String("parent", parent.ID))
	return nil
}

// Archive moves a session's root under archived/ and marks it archived.
func (m *Manager) Archive(sess types.Session) (types.Session, error) {
	dst := filepath.Join(m.base, "archived", sess.ID)
	if err := os.Rename(sess.Path, dst); err != nil {
		return sess, fmt.Errorf("gcc: archive %s: %w", sess.ID, err)
	}
	sess.Path = dst
	sess.Status = types.StatusArchived
	if err := m.SaveMeta(sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// SaveMeta rewrites metadata.yaml atomically.
func (m *Manager) SaveMeta(sess types.Session) error {
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("gcc: marshal metadata: %w", err)
	}
	return WriteAtomic(filepath.Join(sess.Path, "metadata.yaml"), data)
}

// LoadMeta reads a session's metadata.yaml by id, checking sessions/ then
// archived/.
func (m *Manager) LoadMeta(id string) (types.Session, error) {
	for _, root := range []string{m.SessionRoot(id), filepath.Join(m.base, "archived", id)} {
		data, err := os.ReadFile(filepath.Join(root, "metadata.yaml"))
		if err != nil {
			continue
		}
		var sess types.Session
		if err := yaml.Unmarshal(data, &sess); err != nil {
			return types.Session{}, fmt.Errorf("gcc: decode metadata for %s: %w", id, err)
		}
		sess.Path = root
		return sess, nil
	}
	return types.Session{}, fmt.Errorf("gcc: session %s not found", id)
}

// SetActive points main.md at id.
func (m *Manager) SetActive(id string) error {
	return WriteAtomic(filepath.Join(m.base, "main.md"), []byte(id+"\n"))
}

// Active returns the session id main.md points at, or "".
func (m *Manager) Active() string {
	data, err := os.ReadFile(filepath.Join(m.base, "main.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Latest returns the most recently created live session id, or "".
func (m *Manager) Latest() string {
	ids := m.list()
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// WritePanicState preserves the minimal recovery record next to the session
// data when a turn dies on an uncaught panic.
func (m *Manager) WritePanicState(sessRoot, sessionID, goal string, detail any) error {
	payload := map[string]any{
		"session_id": sessionID,
		"goal":       goal,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"detail":     fmt.Sprint(detail),
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("gcc: marshal panic state: %w", err)
	}
	return WriteAtomic(filepath.Join(sessRoot, "panic_state.json"), data)
}

// PurgeAll removes every session directory and main.md. The nuclear reset;
// the index purge cascades separately.
func (m *Manager) PurgeAll() error {
	for _, d := range []string{filepath.Join(m.base, "sessions"), filepath.Join(m.base, "archived")} {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("gcc: purge %s: %w", d, err)
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("gcc: recreate %s: %w", d, err)
		}
	}
	os.Remove(filepath.Join(m.base, "main.md"))
	return nil
}

func (m *Manager) materialize(sess types.Session) error {
	if err := os.MkdirAll(filepath.Join(sess.Path, "checkpoints"), 0o755); err != nil {
		return fmt.Errorf("gcc: mkdir session: %w", err)
	}
	if err := m.SaveMeta(sess); err != nil {
		return err
	}
	return m.SetActive(sess.ID)
}

// nextSeq is max(existing session_NNN)+1.
func (m *Manager) nextSeq() int {
	max := 0
	for _, id := range m.list() {
		var n int
		if _, err := fmt.Sscanf(id, "session_%03d_", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

func (m *Manager) list() []string {
	entries, err := os.ReadDir(filepath.Join(m.base, "sessions"))
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids
}

// slug reduces a goal to a short filesystem-safe fragment.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '/':
			b.WriteRune('_')
		}
		if b.Len() >= 30 {
			break
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "task"
	}
	return out
}

// copyTree deep-copies src into dst (regular files and directories only).
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
