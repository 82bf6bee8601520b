package rules

import "fmt"

// Default returns the built-in rule table. Built-in rules must always be
// well-formed; a malformed entry is a programming error.
func Default() *Table {
	t := &Table{
		Version: "1.0.0",
		// Any argument normalizing to one of these disqualifies a safe match,
		// even when the leading tokens look read-only.
		MutatingVerbs: []string{
			"delete", "remove", "rm", "apply", "destroy", "create", "update",
			"patch", "replace", "scale", "drain", "cordon", "prune", "push",
			"terminate", "kill", "uninstall", "upgrade", "rollback", "edit",
			"force", "purge", "wipe", "truncate", "put", "set", "stop",
			"start", "reboot", "detach", "revoke",
		},
		Safe: []SafeRule{
			{ID: "safe-ls", Program: "ls"},
			{ID: "safe-pwd", Program: "pwd"},
			{ID: "safe-whoami", Program: "whoami"},
			{ID: "safe-id", Program: "id"},
			{ID: "safe-date", Program: "date"},
			{ID: "safe-echo", Program: "echo"},
			{ID: "safe-cat", Program: "cat"},
			{ID: "safe-head", Program: "head"},
			{ID: "safe-tail", Program: "tail"},
			{ID: "safe-wc", Program: "wc"},
			{ID: "safe-grep", Program: "grep"},
			{ID: "safe-rg", Program: "rg"},
			{ID: "safe-find", Program: "find"},
			{ID: "safe-df", Program: "df"},
			{ID: "safe-du", Program: "du"},
			{ID: "safe-ps", Program: "ps"},
			{ID: "safe-uptime", Program: "uptime"},
			{ID: "safe-which", Program: "which"},
			{
				ID:      "safe-git-read",
				Program: "git",
				Verbs:   []string{"status", "log", "diff", "show", "blame", "describe", "rev-parse", "ls-files"},
			},
			{
				ID:      "safe-kubectl-read",
				Program: "kubectl",
				Verbs:   []string{"get", "describe", "logs", "top", "explain", "version", "api-resources", "cluster-info"},
			},
			{
				ID:      "safe-docker-read",
				Program: "docker",
				Verbs:   []string{"ps", "images", "inspect", "logs", "version", "info", "stats"},
			},
			{
				ID:      "safe-terraform-read",
				Program: "terraform",
				Verbs:   []string{"show", "validate", "output", "version", "providers", "graph"},
			},
			{
				ID:      "safe-helm-read",
				Program: "helm",
				Verbs:   []string{"list", "status", "get", "show", "version"},
			},
			{
				ID:              "safe-aws-read",
				Program:         "aws",
				SubVerbPrefixes: []string{"describe-", "list-", "get-"},
			},
			{
				ID:           "safe-gcloud-read",
				Program:      "gcloud",
				VerbAnywhere: []string{"list", "describe"},
			},
		},
		Blocked: []BlockRule{
			// Infrastructure apply/destroy.
			{
				ID:          "terraform-apply",
				Category:    CategoryInfraApply,
				Program:     "terraform",
				Verbs:       []string{"apply"},
				Description: "terraform apply mutates live infrastructure",
			},
			{
				ID:          "terraform-destroy",
				Category:    CategoryInfraApply,
				Program:     "terraform",
				Verbs:       []string{"destroy"},
				Description: "terraform destroy tears down live infrastructure",
			},
			{
				ID:          "pulumi-up",
				Category:    CategoryInfraApply,
				Program:     "pulumi",
				Verbs:       []string{"up", "destroy"},
				Description: "pulumi stack mutation",
			},
			// Cluster mutation.
			{
				ID:          "kubectl-mutate",
				Category:    CategoryClusterMutate,
				Program:     "kubectl",
				Verbs:       []string{"delete", "apply", "drain", "cordon", "scale", "patch", "replace", "edit"},
				DryRunFlags: []string{"--dry-run", "--dry-run=client", "--dry-run=server"},
				Description: "kubectl verb that mutates cluster state",
			},
			{
				ID:          "helm-mutate",
				Category:    CategoryClusterMutate,
				Program:     "helm",
				Verbs:       []string{"uninstall", "upgrade", "install", "rollback", "delete"},
				DryRunFlags: []string{"--dry-run"},
				Description: "helm release mutation",
			},
			// Version control force/destroy.
			{
				ID:          "git-force-push",
				Category:    CategoryVCSForce,
				Program:     "git",
				Verbs:       []string{"push"},
				Flags:       []string{"--force", "-f", "--mirror"},
				Description: "force push rewrites remote history",
			},
			{
				ID:          "git-reset-hard",
				Category:    CategoryVCSForce,
				Program:     "git",
				Verbs:       []string{"reset"},
				Flags:       []string{"--hard"},
				Description: "hard reset discards local work",
			},
			{
				ID:          "git-clean-force",
				Category:    CategoryVCSForce,
				Program:     "git",
				Verbs:       []string{"clean"},
				Flags:       []string{"-f", "-d", "-x"},
				Description: "git clean deletes untracked files",
			},
			// Container pruning.
			{
				ID:          "docker-system-prune",
				Category:    CategoryContainerPrune,
				Program:     "docker",
				Verbs:       []string{"system"},
				RequireArgs: []string{"prune"},
				Description: "docker system prune removes images, containers, and volumes",
			},
			{
				ID:          "docker-rmi",
				Category:    CategoryContainerPrune,
				Program:     "docker",
				Verbs:       []string{"rmi"},
				Description: "docker rmi removes images",
			},
			{
				ID:          "docker-volume-destroy",
				Category:    CategoryContainerPrune,
				Program:     "docker",
				Verbs:       []string{"volume"},
				AnyArgs:     []string{"rm", "prune"},
				Description: "docker volume removal",
			},
			// Filesystem destruction.
			{
				ID:          "rm-recursive",
				Category:    CategoryFSDelete,
				Program:     "rm",
				Flags:       []string{"-r", "-R", "--recursive"},
				Description: "recursive delete",
			},
			{
				ID:          "shred",
				Category:    CategoryFSDelete,
				Program:     "shred",
				Description: "shred destroys file contents",
			},
			{
				ID:            "mkfs",
				Category:      CategoryFSDelete,
				Program:       "mkfs",
				ProgramPrefix: true,
				Description:   "mkfs formats a filesystem",
			},
			{
				ID:          "dd-to-device",
				Category:    CategoryFSDelete,
				Program:     "dd",
				ArgPrefixes: []string{"of=/dev/"},
				Description: "dd writing to a raw device",
			},
			// Credential exposure.
			{
				ID:       "credential-file-read",
				Category: CategoryCredentialExposure,
				ArgSuffixes: []string{
					"/etc/shadow",
					".aws/credentials",
					".ssh/id_rsa",
					".ssh/id_ed25519",
					".ssh/id_ecdsa",
					".kube/config",
					".netrc",
				},
				Description: "reads or copies a credential file",
			},
		},
	}

	if err := t.validate(); err != nil {
		panic(fmt.Sprintf("invalid builtin rule table: %v", err))
	}
	return t
}
