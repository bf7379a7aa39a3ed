package vcc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/conclave/internal/git"
	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
)

// unionMergeGlobs is installed into dir's .gitattributes for every
// auto-resolvable basename/extension pattern so git merges them with the
// "union" driver (concatenate both sides) instead of flagging a conflict.
var unionMergeGlobs = []string{
	"README.md", "CHANGELOG.md", "TODO.md", ".gitignore",
	"package-lock.json", "yarn.lock", "go.sum", "*.md", "*.txt", "*.rst",
}

// Coordinator is the Version Control Coordinator: a transactional
// façade over one working tree.
type Coordinator struct {
	exec *git.RealExecutor
	dir string
}

// New creates a Coordinator rooted at dir.
func New(dir string) *Coordinator {
	return &Coordinator{exec: git.NewRealExecutor(dir), dir: dir}
}

// InitializeSharedWorkspace ensures dir holds a repository with a
// recorded base branch and the union merge driver/attributes installed
// for the auto-resolvable allow-list. Idempotent.
func (c *Coordinator) InitializeSharedWorkspace() (string, error) {
	if !c.exec.IsGitRepo() {
		if _, err := c.exec.Run("init"); err != nil {
			return "", kernelerr.New(kernelerr.ErrNotARepository, err.Error())
		}
	}

	baseBranch, err := c.exec.GetCurrentBranch()
	if err != nil {
		return "", kernelerr.New(kernelerr.ErrNotARepository, err.Error())
	}

	if _, err := c.exec.Run("config", "merge.union.driver", "true"); err != nil {
		return "", fmt.Errorf("vcc: installing union merge driver: %w", err)
	}
	if err := c.installUnionAttributes(); err != nil {
		return "", err
	}

	log.Info(log.CatVCC, "shared workspace initialized", "dir", c.dir, "base_branch", baseBranch)
	return baseBranch, nil
}

func (c *Coordinator) installUnionAttributes() error {
	path := filepath.Join(c.dir, ".gitattributes")
	existing, _ := os.ReadFile(path) //nolint:gosec // G304: path is derived from operator-controlled work dir

	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}

	var additions []string
	for _, glob := range unionMergeGlobs {
		line := glob + " merge=union"
		if !have[line] {
			additions = append(additions, line)
		}
	}
	if len(additions) == 0 {
		return nil
	}

	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(additions, "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0o644) //nolint:gosec // G306: attributes file is not sensitive
}

// CurrentBranch returns the branch currently checked out in dir.
func (c *Coordinator) CurrentBranch() (string, error) {
	branch, err := c.exec.GetCurrentBranch()
	if err != nil {
		return "", kernelerr.New(kernelerr.ErrNotARepository, err.Error())
	}
	return branch, nil
}

// CreateManagerBranch creates and checks out a sanitized branch for
// managerID, optionally tagged with taskDesc and a timestamp when the
// base name would otherwise collide or needs disambiguation.
func (c *Coordinator) CreateManagerBranch(managerID, taskDesc string) (string, error) {
	if !c.exec.IsGitRepo() {
		return "", kernelerr.New(kernelerr.ErrNotARepository, c.dir)
	}

	name := "manager-" + managerID
	if taskDesc != "" {
		name = fmt.Sprintf("manager-%s-%s", managerID, taskDesc)
	}
	branch := sanitizeBranchName(name)
	if branch == "" {
		return "", kernelerr.New(kernelerr.ErrInvalidRef, fmt.Sprintf("sanitized branch name for %q is empty", name))
	}

	if c.exec.BranchExists(branch) {
		branch = sanitizeBranchName(fmt.Sprintf("%s-%d", branch, time.Now().Unix()))
		if branch == "" {
			return "", kernelerr.New(kernelerr.ErrInvalidRef, "sanitized branch name collided and retry was also empty")
		}
	}

	if _, err := c.exec.Run("checkout", "-b", branch); err != nil {
		return "", kernelerr.New(kernelerr.ErrInvalidRef, err.Error())
	}
	log.Info(log.CatVCC, "manager branch created", "branch", branch, "manager_id", managerID)
	return branch, nil
}

// AnalyzeConflicts computes the paths modified on both branchA and
// branchB since their merge base.
func (c *Coordinator) AnalyzeConflicts(branchA, branchB string) (ConflictReport, error) {
	base, err := c.exec.Run("merge-base", branchA, branchB)
	if err != nil {
		return ConflictReport{}, kernelerr.New(kernelerr.ErrInvalidRef, err.Error())
	}

	filesA, err := c.changedFiles(base, branchA)
	if err != nil {
		return ConflictReport{}, err
	}
	filesB, err := c.changedFiles(base, branchB)
	if err != nil {
		return ConflictReport{}, err
	}

	setB := make(map[string]bool, len(filesB))
	for _, f := range filesB {
		setB[f] = true
	}

	var conflicting []string
	for _, f := range filesA {
		if setB[f] {
			conflicting = append(conflicting, f)
		}
	}
	sort.Strings(conflicting)

	report := ConflictReport{
		HasConflicts: len(conflicting) > 0,
		Files: conflicting,
	}
	for _, f := range conflicting {
		if isAutoResolvable(f) {
			report.AutoResolvable = append(report.AutoResolvable, f)
		}
	}
	return report, nil
}

func (c *Coordinator) changedFiles(base, ref string) ([]string, error) {
	out, err := c.exec.Run("diff", "--name-only", base, ref)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func isAutoResolvable(path string) bool {
	base := filepath.Base(path)
	if autoResolvableBasenames[base] {
		return true
	}
	return docTextExtensions[filepath.Ext(base)]
}

// CoordinatedMerge merges src into dst according to strategy, guaranteeing
// the worktree returns to its prior clean state on failure.
func (c *Coordinator) CoordinatedMerge(src, dst string, strategy MergeStrategy) (MergeResult, error) {
	checkpoint, err := c.checkpoint("coordinated_merge")
	if err != nil {
		return MergeResult{}, err
	}

	if _, err := c.exec.Run("checkout", dst); err != nil {
		return MergeResult{}, kernelerr.New(kernelerr.ErrInvalidRef, err.Error())
	}

	_, mergeErr := c.exec.Run("merge", "--no-ff", src)
	if mergeErr == nil {
		return MergeResult{Success: true, StrategyUsed: strategy}, nil
	}

	conflicts, analyzeErr := c.AnalyzeConflicts(dst, src)
	if analyzeErr != nil {
		conflicts = ConflictReport{}
	}

	if strategy == StrategyAuto && allAutoResolvable(conflicts) {
		if _, err := c.exec.Run("commit", "--no-edit"); err == nil {
			return MergeResult{Success: true, StrategyUsed: strategy, Conflicts: &conflicts}, nil
		}
	}

	if _, abortErr := c.exec.Run("merge", "--abort"); abortErr != nil {
		log.Warn(log.CatVCC, "merge --abort failed, attempting checkpoint rollback", "error", abortErr)
	}
	if err := c.rollback(checkpoint); err != nil {
		return MergeResult{Success: false, StrategyUsed: strategy, Conflicts: &conflicts},
			kernelerr.New(kernelerr.ErrRollbackFailed, err.Error())
	}

	return MergeResult{Success: false, StrategyUsed: strategy, Conflicts: &conflicts}, nil
}

func allAutoResolvable(report ConflictReport) bool {
	if !report.HasConflicts {
		return true
	}
	return len(report.AutoResolvable) == len(report.Files)
}

// checkpoint captures the current branch head, stashes uncommitted
// changes into a named ref, and records it for rollback.
func (c *Coordinator) checkpoint(opName string) (Checkpoint, error) {
	head, err := c.exec.Run("rev-parse", "HEAD")
	if err != nil {
		return Checkpoint{}, kernelerr.New(kernelerr.ErrNotARepository, err.Error())
	}

	stashRef := "refs/conclave/checkpoint/" + uuid.NewString()
	dirty, err := c.exec.HasUncommittedChanges()
	if err != nil {
		return Checkpoint{}, err
	}
	if dirty {
		if _, err := c.exec.Run("stash", "push", "--include-untracked", "-m", opName); err != nil {
			return Checkpoint{}, fmt.Errorf("vcc: stashing for checkpoint: %w", err)
		}
		if _, err := c.exec.Run("update-ref", stashRef, "stash@{0}"); err != nil {
			return Checkpoint{}, fmt.Errorf("vcc: recording stash ref: %w", err)
		}
	} else {
		stashRef = ""
	}

	return Checkpoint{
		OpName: opName,
		BranchRef: head,
		WorktreeSnapshotRef: stashRef,
		CreatedAt: time.Now(),
	}, nil
}

// rollback restores the worktree to the state captured by checkpoint.
func (c *Coordinator) rollback(checkpoint Checkpoint) error {
	if _, err := c.exec.Run("reset", "--hard", checkpoint.BranchRef); err != nil {
		return err
	}
	if checkpoint.WorktreeSnapshotRef != "" {
		if _, err := c.exec.Run("stash", "apply", checkpoint.WorktreeSnapshotRef); err != nil {
			return err
		}
		if _, err := c.exec.Run("update-ref", "-d", checkpoint.WorktreeSnapshotRef); err != nil {
			log.Warn(log.CatVCC, "failed to delete checkpoint stash ref", "ref", checkpoint.WorktreeSnapshotRef, "error", err)
		}
	}
	return nil
}

// AtomicOperation runs steps sequentially after taking a checkpoint. If
// any step fails, it rolls back in reverse order and reports
// rolled_back accordingly.
func (c *Coordinator) AtomicOperation(opName string, steps []Step) (OperationResult, error) {
	checkpoint, err := c.checkpoint(opName)
	if err != nil {
		return OperationResult{}, err
	}

	var results []any
	for i, step := range steps {
		res, err := step(c)
		if err != nil {
			log.Warn(log.CatVCC, "atomic operation step failed, rolling back", "op", opName, "step", i, "error", err)
			if rbErr := c.rollback(checkpoint); rbErr != nil {
				return OperationResult{Success: false, RolledBack: false, Results: results},
					kernelerr.New(kernelerr.ErrRollbackFailed, rbErr.Error())
			}
			return OperationResult{Success: false, RolledBack: true, Results: results}, nil
		}
		results = append(results, res)
	}

	return OperationResult{Success: true, RolledBack: false, Results: results}, nil
}

// Status reports the current branch, dirty state, untracked files, and
// live worktrees rooted at dir, for the git_status verb.
func (c *Coordinator) Status() (StatusReport, error) {
	if !c.exec.IsGitRepo() {
		return StatusReport{}, kernelerr.New(kernelerr.ErrNotARepository, c.dir)
	}
	branch, err := c.exec.GetCurrentBranch()
	if err != nil {
		return StatusReport{}, kernelerr.New(kernelerr.ErrNotARepository, err.Error())
	}
	dirty, err := c.exec.HasUncommittedChanges()
	if err != nil {
		return StatusReport{}, kernelerr.New(kernelerr.ErrStateCorrupted, err.Error())
	}
	untracked, err := c.exec.GetUntrackedFiles()
	if err != nil {
		return StatusReport{}, kernelerr.New(kernelerr.ErrStateCorrupted, err.Error())
	}
	worktrees, err := c.exec.ListWorktrees()
	if err != nil {
		return StatusReport{}, kernelerr.New(kernelerr.ErrStateCorrupted, err.Error())
	}
	paths := make([]string, 0, len(worktrees))
	for _, wt := range worktrees {
		paths = append(paths, wt.Path)
	}
	return StatusReport{Branch: branch, Dirty: dirty, UntrackedFiles: untracked, Worktrees: paths}, nil
}

// Cleanup prunes stale worktree administrative state and removes local
// manager-* branches already merged into base, excluding protected and
// the currently checked-out branch.
func (c *Coordinator) Cleanup(base string, protected []string) (CleanupReport, error) {
	if !c.exec.IsGitRepo() {
		return CleanupReport{}, kernelerr.New(kernelerr.ErrNotARepository, c.dir)
	}
	if err := c.exec.PruneWorktrees(); err != nil {
		return CleanupReport{}, kernelerr.New(kernelerr.ErrStateCorrupted, err.Error())
	}

	keep := make(map[string]bool, len(protected)+1)
	keep[base] = true
	for _, b := range protected {
		keep[b] = true
	}
	current, err := c.exec.GetCurrentBranch()
	if err == nil {
		keep[current] = true
	}

	merged, err := c.exec.Run("branch", "--merged", base, "--format=%(refname:short)")
	if err != nil {
		return CleanupReport{}, kernelerr.New(kernelerr.ErrInvalidRef, err.Error())
	}

	var removed []string
	for _, name := range strings.Split(merged, "\n") {
		name = strings.TrimSpace(name)
		if name == "" || keep[name] || !strings.HasPrefix(name, "manager-") {
			continue
		}
		if _, err := c.exec.Run("branch", "-d", name); err != nil {
			log.Warn(log.CatVCC, "cleanup failed to delete merged branch", "branch", name, "error", err)
			continue
		}
		removed = append(removed, name)
	}
	return CleanupReport{PrunedWorktrees: true, RemovedBranches: removed}, nil
}
