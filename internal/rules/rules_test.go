package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMatchSafe_PlainPrograms(t *testing.T) {
	table := Default()

	cases := []struct {
		program string
		args    []string
		want    bool
	}{
		{"ls", []string{"-la"}, true},
		{"pwd", nil, true},
		{"cat", []string{"README.md"}, true},
		{"/usr/bin/grep", []string{"-r", "TODO", "."}, true},
		{"Echo", []string{"hi"}, true},
		{"curl", []string{"https://example.com"}, false},
	}
	for _, tc := range cases {
		got, _ := table.MatchSafe(tc.program, tc.args)
		if got != tc.want {
			t.Fatalf("MatchSafe(%s %v)=%v want %v", tc.program, tc.args, got, tc.want)
		}
	}
}

func TestMatchSafe_VerbRules(t *testing.T) {
	table := Default()

	ok, ruleID := table.MatchSafe("kubectl", []string{"get", "pods", "-n", "default"})
	if !ok || ruleID != "safe-kubectl-read" {
		t.Fatalf("kubectl get: ok=%v rule=%s", ok, ruleID)
	}

	// Flags before the verb do not hide it.
	if ok, _ := table.MatchSafe("kubectl", []string{"-n", "default", "get", "pods"}); !ok {
		t.Fatalf("flag-first kubectl get should match")
	}

	if ok, _ := table.MatchSafe("kubectl", []string{"delete", "pod", "x"}); ok {
		t.Fatalf("kubectl delete must not be safe")
	}

	if ok, _ := table.MatchSafe("git", []string{"status"}); !ok {
		t.Fatalf("git status should match")
	}
	if ok, _ := table.MatchSafe("git", []string{"push"}); ok {
		t.Fatalf("git push must not be safe")
	}
}

func TestMatchSafe_MutatingArgDisqualifies(t *testing.T) {
	table := Default()

	// The leading verb is read-only but a later token is mutating.
	if ok, _ := table.MatchSafe("kubectl", []string{"get", "pods", "--force"}); ok {
		t.Fatalf("mutating token should disqualify the safe match")
	}
}

func TestMatchSafe_SubVerbPrefixesAndVerbAnywhere(t *testing.T) {
	table := Default()

	if ok, _ := table.MatchSafe("aws", []string{"ec2", "describe-instances"}); !ok {
		t.Fatalf("aws describe- should match")
	}
	if ok, _ := table.MatchSafe("aws", []string{"ec2", "terminate-instances"}); ok {
		t.Fatalf("aws terminate- must not be safe")
	}

	if ok, _ := table.MatchSafe("gcloud", []string{"compute", "instances", "list"}); !ok {
		t.Fatalf("gcloud trailing list should match")
	}
	if ok, _ := table.MatchSafe("gcloud", []string{"compute", "instances", "reset"}); ok {
		t.Fatalf("gcloud reset must not be safe")
	}
}

func TestMatchSafe_OptionValueCannotSatisfySubVerb(t *testing.T) {
	table := Default()

	// The action token is destructive; an option value that happens to start
	// with a read prefix must not rescue the match.
	if ok, _ := table.MatchSafe("aws", []string{"dynamodb", "delete-table", "--table-name", "list-users"}); ok {
		t.Fatalf("aws delete-table must not be safe")
	}
	if ok, _ := table.MatchSafe("aws", []string{"ec2", "terminate-instances", "--instance-ids", "describe-me"}); ok {
		t.Fatalf("aws terminate-instances must not be safe")
	}

	// Hyphenated mutating actions disqualify on their own.
	if ok, _ := table.MatchSafe("aws", []string{"s3api", "put-object", "--key", "get-started"}); ok {
		t.Fatalf("aws put-object must not be safe")
	}

	// A legitimate read with free-form values stays safe.
	if ok, _ := table.MatchSafe("aws", []string{"dynamodb", "describe-table", "--table-name", "users"}); !ok {
		t.Fatalf("aws describe-table should stay safe")
	}
}

func TestMatchBlocked_Basics(t *testing.T) {
	table := Default()

	cases := []struct {
		program string
		args    []string
		ruleID  string
	}{
		{"terraform", []string{"apply", "-auto-approve"}, "terraform-apply"},
		{"kubectl", []string{"delete", "namespace", "prod"}, "kubectl-mutate"},
		{"git", []string{"push", "--force", "origin", "main"}, "git-force-push"},
		{"git", []string{"push", "-f"}, "git-force-push"},
		{"docker", []string{"system", "prune", "-a"}, "docker-system-prune"},
		{"rm", []string{"-rf", "/data"}, "rm-recursive"},
		{"rm", []string{"--recursive", "dir"}, "rm-recursive"},
		{"shred", []string{"secrets.txt"}, "shred"},
		{"mkfs.ext4", []string{"/dev/sdb1"}, "mkfs"},
		{"dd", []string{"if=image.iso", "of=/dev/sdb"}, "dd-to-device"},
		{"cat", []string{"/etc/shadow"}, "credential-file-read"},
		{"scp", []string{"host:~/.ssh/id_rsa", "."}, "credential-file-read"},
	}
	for _, tc := range cases {
		m := table.MatchBlocked(tc.program, tc.args)
		if !m.Blocked || m.RuleID != tc.ruleID {
			t.Fatalf("MatchBlocked(%s %v)=%+v want rule %s", tc.program, tc.args, m, tc.ruleID)
		}
	}
}

func TestMatchBlocked_NoMatch(t *testing.T) {
	table := Default()

	cases := []struct {
		program string
		args    []string
	}{
		{"git", []string{"push", "origin", "main"}},
		{"rm", []string{"file.txt"}},
		{"kubectl", []string{"get", "pods"}},
		{"dd", []string{"if=/dev/zero", "of=out.img"}},
	}
	for _, tc := range cases {
		if m := table.MatchBlocked(tc.program, tc.args); m.Blocked {
			t.Fatalf("MatchBlocked(%s %v) unexpectedly matched %s", tc.program, tc.args, m.RuleID)
		}
	}
}

func TestMatchBlocked_DryRun(t *testing.T) {
	table := Default()

	m := table.MatchBlocked("kubectl", []string{"delete", "pod", "x", "--dry-run=client"})
	if !m.Blocked || !m.DryRun {
		t.Fatalf("dry-run delete: %+v", m)
	}

	m = table.MatchBlocked("kubectl", []string{"delete", "pod", "x"})
	if !m.Blocked || m.DryRun {
		t.Fatalf("real delete: %+v", m)
	}

	// Rules without DryRunFlags never report dry-run.
	m = table.MatchBlocked("terraform", []string{"apply", "--dry-run"})
	if !m.Blocked || m.DryRun {
		t.Fatalf("terraform apply --dry-run: %+v", m)
	}
}

func TestMatchBlocked_ShortFlagClusters(t *testing.T) {
	table := Default()

	if m := table.MatchBlocked("rm", []string{"-rf", "x"}); !m.Blocked {
		t.Fatalf("-rf should satisfy -r")
	}
	if m := table.MatchBlocked("rm", []string{"-fR", "x"}); !m.Blocked {
		t.Fatalf("-fR should satisfy -R")
	}
	if m := table.MatchBlocked("rm", []string{"-f", "x"}); m.Blocked {
		t.Fatalf("-f alone is not recursive")
	}
}

func TestLoadAndMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.toml")
	doc := `
version = "test"
mutating_verbs = ["nuke"]

[[safe]]
id = "safe-custom"
program = "mytool"
verbs = ["status"]

[[blocked]]
id = "custom-block"
category = "infrastructure-apply"
program = "mytool"
verbs = ["nuke"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	extra, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	table := Default()
	table.Merge(extra)

	if ok, ruleID := table.MatchSafe("mytool", []string{"status"}); !ok || ruleID != "safe-custom" {
		t.Fatalf("merged safe rule: ok=%v rule=%s", ok, ruleID)
	}
	if m := table.MatchBlocked("mytool", []string{"nuke"}); !m.Blocked || m.RuleID != "custom-block" {
		t.Fatalf("merged blocked rule: %+v", m)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(path, []byte("[[safe]]\nprogram = \"x\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "missing id") {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestHash_ChangesWithRules(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Fatalf("identical tables must hash identically")
	}

	b.Safe = append(b.Safe, SafeRule{ID: "safe-new", Program: "newtool"})
	if a.Hash() == b.Hash() {
		t.Fatalf("hash must change when rules change")
	}
}
