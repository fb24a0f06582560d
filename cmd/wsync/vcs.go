package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"wsync/internal/vcs"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace changes and staged entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}

		head := "no snapshots yet"
		if report.Head != "" {
			head = vcs.ShortHash(report.Head)
		}
		fmt.Printf("On branch %s (%s)\n", report.Branch, head)

		if report.Merge != nil {
			fmt.Printf("\nMerging %s. Unresolved conflicts:\n", report.Merge.Branch)
			for _, c := range report.Merge.Unresolved() {
				fmt.Printf("  %-14s %s/%s\n", c.Kind, c.Type, c.ResourceID)
			}
		}

		if len(report.Staged) > 0 {
			fmt.Println("\nStaged:")
			for _, e := range report.Staged {
				fmt.Printf("  %-10s %s/%s  %s\n", e.Status, e.Type, e.ResourceID, e.Name)
			}
		}

		if len(report.Changes) > 0 {
			fmt.Println("\nChanges:")
			for _, c := range report.Changes {
				fmt.Printf("  %-10s %s/%s  %s\n", c.Status, c.Type, c.ResourceID, c.Name)
			}
		}

		if len(report.Staged) == 0 && len(report.Changes) == 0 && report.Merge == nil {
			fmt.Println("Nothing to snapshot, workspace clean.")
		}
		return nil
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage [ID...]",
	Short: "Stage resources for the next snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			return fmt.Errorf("name resources to stage or pass --all")
		}

		a, err := newApp(cmd.Context(), "Stage")
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.Stage(cmd.Context(), args, all)
		if err != nil {
			return fmt.Errorf("staging: %w", err)
		}
		fmt.Printf("Staged %d resource(s)\n", len(ids))
		return nil
	},
}

var unstageCmd = &cobra.Command{
	Use:   "unstage ID...",
	Short: "Remove resources from the staging area",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Unstage")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Unstage(cmd.Context(), args)
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Take a snapshot of the staged changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		if strings.TrimSpace(message) == "" {
			return fmt.Errorf("a snapshot message is required (-m)")
		}

		a, err := newApp(cmd.Context(), "Commit")
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.Commit(cmd.Context(), message)
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s (%d resources)\n", snap.ShortID(), snap.Message, len(snap.Tree))
		return nil
	},
}

// branch command
var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local or remote branches",
	RunE: func(cmd *cobra.Command, args []string) error {
		remoteName, _ := cmd.Flags().GetString("remote")

		a, err := newApp(cmd.Context(), "ListBranches")
		if err != nil {
			return err
		}
		defer a.Close()

		var branches []vcs.Branch
		if cmd.Flags().Changed("remote") {
			branches, err = a.RemoteBranches(cmd.Context(), remoteName)
		} else {
			branches, err = a.ListBranches(cmd.Context())
		}
		if err != nil {
			return err
		}

		for _, b := range branches {
			marker := " "
			if b.Active {
				marker = "*"
			}
			head := "(empty)"
			if b.SnapshotID != "" {
				head = vcs.ShortHash(b.SnapshotID)
			}
			fmt.Printf("%s %-24s %s\n", marker, b.Name, head)
		}
		return nil
	},
}

var branchCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a branch at the active head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CreateBranch")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.CreateBranch(cmd.Context(), args[0])
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "DeleteBranch")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.DeleteBranch(cmd.Context(), args[0])
	},
}

var branchRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RenameBranch")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.RenameBranch(cmd.Context(), args[0], args[1])
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout NAME",
	Short: "Switch branches and rewrite the workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := newApp(cmd.Context(), "Checkout")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Checkout(cmd.Context(), args[0], force); err != nil {
			return err
		}
		fmt.Printf("Switched to branch %s\n", args[0])
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge [NAME]",
	Short: "Merge a branch into the active branch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cont, _ := cmd.Flags().GetBool("continue")
		abort, _ := cmd.Flags().GetBool("abort")
		message, _ := cmd.Flags().GetString("message")

		switch {
		case cont && abort:
			return fmt.Errorf("--continue and --abort are exclusive")
		case (cont || abort) && len(args) > 0:
			return fmt.Errorf("--continue and --abort take no branch")
		case !cont && !abort && len(args) == 0:
			return fmt.Errorf("name the branch to merge")
		}

		a, err := newApp(cmd.Context(), "Merge")
		if err != nil {
			return err
		}
		defer a.Close()

		switch {
		case abort:
			if err := a.AbortMerge(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Merge aborted.")
			return nil
		case cont:
			snap, err := a.ContinueMerge(cmd.Context(), message)
			if err != nil {
				return err
			}
			fmt.Printf("[%s] %s\n", snap.ShortID(), snap.Message)
			return nil
		}

		res, err := a.Merge(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printMerge(res)
		return nil
	},
}

func printMerge(res *vcs.MergeResult) {
	switch res.Kind {
	case vcs.MergeNoOp:
		fmt.Println("Already up to date.")
	case vcs.MergeFastForward:
		fmt.Printf("Fast-forward to %s\n", res.Snapshot.ShortID())
	case vcs.MergeMerged:
		fmt.Printf("[%s] %s\n", res.Snapshot.ShortID(), res.Snapshot.Message)
	case vcs.MergeConflicted:
		fmt.Printf("%d conflict(s); resolve each with `wsync resolve`, then `wsync merge --continue`:\n", len(res.Conflicts))
		for _, c := range res.Conflicts {
			fmt.Printf("  %-14s %s/%s\n", c.Kind, c.Type, c.ResourceID)
		}
	}
}

var resolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Resolve a merge conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ours, _ := cmd.Flags().GetBool("ours")
		theirs, _ := cmd.Flags().GetBool("theirs")
		file, _ := cmd.Flags().GetString("file")

		var choice vcs.ResolutionChoice
		n := 0
		if ours {
			choice, n = vcs.ResolveOurs, n+1
		}
		if theirs {
			choice, n = vcs.ResolveTheirs, n+1
		}
		if file != "" {
			choice, n = vcs.ResolveContent, n+1
		}
		if n != 1 {
			return fmt.Errorf("pass exactly one of --ours, --theirs or --file")
		}

		a, err := newApp(cmd.Context(), "Resolve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Resolve(cmd.Context(), args[0], choice, file)
	},
}

var logCmd = &cobra.Command{
	Use:   "log [BRANCH]",
	Short: "View snapshot history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		branch := ""
		if len(args) > 0 {
			branch = args[0]
		}

		a, err := newApp(cmd.Context(), "Log")
		if err != nil {
			return err
		}
		defer a.Close()

		n := 0
		for snap, err := range a.Log(cmd.Context(), branch, limit) {
			if errors.Is(err, vcs.ErrNotFound) && n == 0 {
				fmt.Println("No snapshots.")
				return nil
			} else if err != nil {
				return err
			}
			n++
			merge := ""
			if snap.IsMerge() {
				merge = "  [merge]"
			}
			fmt.Printf("%s  %s  %-20s  %s%s\n",
				snap.ShortID(),
				snap.Timestamp.Local().Format("2006-01-02 15:04:05"),
				snap.Author,
				snap.Message,
				merge,
			)
		}
		if n == 0 {
			fmt.Println("No snapshots.")
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push [REMOTE]",
	Short: "Upload the active branch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Push")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Push(cmd.Context(), firstArg(args))
		if errors.Is(err, vcs.ErrRemoteAhead) {
			return fmt.Errorf("%w\nrun `wsync pull --merge` first", err)
		} else if err != nil {
			return err
		}
		fmt.Printf("Pushed %d snapshot(s), %d blob(s), %d bytes\n", res.Snapshots, res.Blobs, res.Bytes)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull [REMOTE]",
	Short: "Download the active branch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		merge, _ := cmd.Flags().GetBool("merge")

		a, err := newApp(cmd.Context(), "Pull")
		if err != nil {
			return err
		}
		defer a.Close()

		res, mr, err := a.Pull(cmd.Context(), firstArg(args), merge)
		if err != nil {
			return err
		}
		fmt.Printf("Fetched %d snapshot(s), %d blob(s)\n", res.Snapshots, res.Blobs)
		switch {
		case mr != nil:
			printMerge(mr)
		case res.Diverged:
			fmt.Println("Local and remote histories diverged; run `wsync pull --merge` to merge them.")
		case res.FastForward:
			fmt.Printf("Fast-forward to %s\n", vcs.ShortHash(res.Head))
		default:
			fmt.Println("Already up to date.")
		}
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete snapshots and blobs no branch can reach",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "GC")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.GC(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d snapshot(s) and %d blob(s)\n", res.Snapshots, res.Blobs)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the integrity of every reachable snapshot and blob",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Verify")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Verify(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Checked %d snapshot(s) and %d blob(s)\n", report.Snapshots, report.Blobs)
		if report.OK() {
			return nil
		}
		for _, p := range report.Problems {
			fmt.Printf("  %s\n", p)
		}
		return fmt.Errorf("%d problem(s) found", len(report.Problems))
	},
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func addVCSCommands(root *cobra.Command) {
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchCreateCmd)
	branchCmd.AddCommand(branchDeleteCmd)
	branchCmd.AddCommand(branchRenameCmd)
	branchListCmd.Flags().String("remote", "", "List the branches of a remote instead")

	root.AddCommand(statusCmd)
	root.AddCommand(stageCmd)
	stageCmd.Flags().BoolP("all", "a", false, "Stage every change")
	root.AddCommand(unstageCmd)
	root.AddCommand(commitCmd)
	commitCmd.Flags().StringP("message", "m", "", "Snapshot message")
	root.AddCommand(branchCmd)
	root.AddCommand(checkoutCmd)
	checkoutCmd.Flags().BoolP("force", "f", false, "Discard workspace changes")
	root.AddCommand(mergeCmd)
	mergeCmd.Flags().Bool("continue", false, "Complete the merge in progress")
	mergeCmd.Flags().Bool("abort", false, "Abandon the merge in progress")
	mergeCmd.Flags().StringP("message", "m", "", "Message for the merge snapshot")
	root.AddCommand(resolveCmd)
	resolveCmd.Flags().Bool("ours", false, "Keep the active branch's version")
	resolveCmd.Flags().Bool("theirs", false, "Take the merged branch's version")
	resolveCmd.Flags().String("file", "", "Use the resource in this file")
	root.AddCommand(logCmd)
	logCmd.Flags().IntP("limit", "n", 20, "Maximum number of snapshots to show")
	root.AddCommand(pushCmd)
	root.AddCommand(pullCmd)
	pullCmd.Flags().Bool("merge", false, "Merge when local and remote histories diverged")
	root.AddCommand(gcCmd)
	root.AddCommand(verifyCmd)
}
