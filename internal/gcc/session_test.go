package gcc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haricheung/ops-shell/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManager_CreateNamingAndLayout(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("Debug the Ingress Controller!")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "session_001_") {
		t.Errorf("id = %q, want session_001_ prefix", sess.ID)
	}
	if !strings.HasSuffix(sess.ID, "debug_the_ingress_controller") {
		t.Errorf("id = %q, want slug suffix", sess.ID)
	}
	if _, err := os.Stat(filepath.Join(sess.Path, "metadata.yaml")); err != nil {
		t.Errorf("metadata.yaml missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sess.Path, "checkpoints")); err != nil {
		t.Errorf("checkpoints dir missing: %v", err)
	}
	if m.Active() != sess.ID {
		t.Errorf("Active = %q, want %q", m.Active(), sess.ID)
	}
}

func TestManager_SequenceAdvances(t *testing.T) {
	m := newTestManager(t)
	m.Create("first goal")
	s2, err := m.Create("second goal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(s2.ID, "session_002_") {
		t.Errorf("second id = %q, want session_002_ prefix", s2.ID)
	}
}

func TestManager_MetaRoundTrip(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.Create("check disk usage")

	got, err := m.LoadMeta(sess.ID)
	if err != nil {
		t.Fatalf("LoadMeta: %v", err)
	}
	if got.Goal != "check disk usage" || got.Status != types.StatusActive || got.SessionType != types.SessionMain {
		t.Errorf("meta = %+v", got)
	}
}

func TestManager_BranchCopiesParent(t *testing.T) {
	m := newTestManager(t)
	parent, _ := m.Create("upgrade postgres")
	NewLog(parent.Path, nil).AppendHuman(noon, "pg_lsclusters", "14 main")

	branch, err := m.Branch(parent, "try pg16")
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch.ParentID != parent.ID || branch.SessionType != types.SessionBranch {
		t.Errorf("branch = %+v", branch)
	}
	content := NewLog(branch.Path, nil).ReadLog()
	if !strings.Contains(content, "pg_lsclusters") {
		t.Errorf("parent log not copied into branch:\n%s", content)
	}
	if !strings.Contains(content, "BRANCH from "+parent.ID) {
		t.Errorf("branch marker missing:\n%s", content)
	}
	// Parent log untouched by the marker.
	if strings.Contains(NewLog(parent.Path, nil).ReadLog(), "BRANCH from") {
		t.Error("branch marker leaked into parent log")
	}
}

func TestManager_MergeAppendsFindingsToParent(t *testing.T) {
	m := newTestManager(t)
	parent, _ := m.Create("investigate oom kills")
	branch, _ := m.Branch(parent, "heap dump route")
	NewLog(branch.Path, nil).AppendCommit(noon, "found leak", "cache never evicts")

	if err := m.Merge(branch); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	parentLog := NewLog(parent.Path, nil).ReadLog()
	if !strings.Contains(parentLog, "MERGED FROM BRANCH "+branch.ID) {
		t.Errorf("merge section missing from parent log:\n%s", parentLog)
	}
	if !strings.Contains(parentLog, "found leak") {
		t.Errorf("branch findings missing from parent log:\n%s", parentLog)
	}

	got, _ := m.LoadMeta(branch.ID)
	if got.Status != types.StatusMerged {
		t.Errorf("branch status = %q, want merged", got.Status)
	}
}

func TestManager_MergeWithoutParentFails(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.Create("standalone")
	if err := m.Merge(sess); err == nil {
		t.Error("Merge on a parentless session should fail")
	}
}

func TestManager_ArchiveMovesAndLoadsFromArchive(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.Create("old task")

	archived, err := m.Archive(sess)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if archived.Status != types.StatusArchived {
		t.Errorf("status = %q", archived.Status)
	}
	got, err := m.LoadMeta(sess.ID)
	if err != nil {
		t.Fatalf("LoadMeta after archive: %v", err)
	}
	if !strings.Contains(got.Path, "archived") {
		t.Errorf("path = %q, want under archived/", got.Path)
	}
}

func TestManager_PurgeAll(t *testing.T) {
	m := newTestManager(t)
	m.Create("doomed")
	if err := m.PurgeAll(); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if ids := m.list(); len(ids) != 0 {
		t.Errorf("sessions survived purge: %v", ids)
	}
	if m.Active() != "" {
		t.Errorf("active pointer survived purge: %q", m.Active())
	}
}

func TestManager_WritePanicState(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.Create("crashy")
	if err := m.WritePanicState(sess.Path, sess.ID, sess.Goal, "boom"); err != nil {
		t.Fatalf("WritePanicState: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(sess.Path, "panic_state.json"))
	if err != nil {
		t.Fatalf("read panic_state.json: %v", err)
	}
	for _, want := range []string{sess.ID, "boom"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("panic state missing %q:\n%s", want, data)
		}
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Fix the CI/CD pipeline": "fix_the_ci_cd_pipeline",
		"  ":                     "task",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
	if got := slug("a very long goal that keeps going well beyond the length cap"); len(got) > 30 {
		t.Errorf("slug length = %d, want <= 30 (%q)", len(got), got)
	}
}
