// Command hubrissim boots the kernel against a gcfg task image on the host
// simulator and drives canned scenarios against it. It has no compiled task
// binaries to run: every subcommand plays the role of a running task by
// issuing syscalls on that task's behalf, the same way a test harness would.
// Grounded on gwcli's root-command/persistent-flag layout (gwcli/tree/root.go),
// scaled down from a network client to a single-process simulator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxidecomputer/hubris-sub001/internal/bootstrap"
	"github.com/oxidecomputer/hubris-sub001/internal/kimage"
	"github.com/oxidecomputer/hubris-sub001/internal/klog"
	"github.com/oxidecomputer/hubris-sub001/internal/scenario"
)

var (
	imagePath string
	logPath   string
	logLevel  string
)

func main() {
	root := &cobra.Command{
		Use:   "hubrissim",
		Short: "Host simulator for the separation-kernel core",
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "", "path to a task image file (required)")
	root.PersistentFlags().StringVar(&logPath, "log", "", "path to a log file (default: stderr)")
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "INFO", "log level: OFF|DEBUG|INFO|WARN|ERROR|CRITICAL|FATAL")
	root.MarkPersistentFlagRequired("image")

	root.AddCommand(statusCmd(), pingPongCmd(), faultInjectCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openLog(bootID string) (*klog.Logger, error) {
	lvl, err := klog.LevelFromString(logLevel)
	if err != nil {
		return nil, err
	}
	var log *klog.Logger
	if logPath == "" {
		log = klog.New(os.Stderr, bootID)
	} else {
		log, err = klog.NewFile(logPath, bootID)
		if err != nil {
			return nil, err
		}
	}
	log.SetLevel(lvl)
	return log, nil
}

func bootFromFlags() (*bootstrap.Booted, error) {
	img, err := kimage.LoadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("load image: %w", err)
	}
	log, err := openLog(img.BootID.String())
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return bootstrap.Boot(img, log)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "boot the image and print every task's health and schedule state",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bootFromFlags()
			if err != nil {
				return err
			}
			defer b.Sim.Close()
			for i := 0; i < b.Kernel.Table.Len(); i++ {
				r := b.Kernel.Table.Get(i)
				fmt.Printf("%2d %-16s health=%d sched=%s gen=%d\n", i, r.Descriptor.Name, r.Health, r.Sched, r.Generation)
			}
			return nil
		},
	}
}

func pingPongCmd() *cobra.Command {
	var caller, callee int
	var msgBase, rspBase, bufBase uint32
	cmd := &cobra.Command{
		Use:   "ping-pong",
		Short: "run the S1 ping-pong scenario between two tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bootFromFlags()
			if err != nil {
				return err
			}
			defer b.Sim.Close()
			res, err := scenario.PingPong(b.Kernel, caller, callee, msgBase, rspBase, bufBase)
			if err != nil {
				return err
			}
			fmt.Printf("reply rc=%d len=%d bytes=% x\n", res.ReplyRC, res.ReplyLen, res.Bytes)
			return nil
		},
	}
	cmd.Flags().IntVar(&caller, "caller", 1, "task index sending the message")
	cmd.Flags().IntVar(&callee, "callee", 2, "task index receiving the message")
	cmd.Flags().Uint32Var(&msgBase, "msg-base", 0, "arena offset for the caller's message")
	cmd.Flags().Uint32Var(&rspBase, "rsp-base", 64, "arena offset for the response buffer")
	cmd.Flags().Uint32Var(&bufBase, "buf-base", 128, "arena offset for the callee's receive buffer")
	return cmd
}

func faultInjectCmd() *cobra.Command {
	var target int
	var reason uint32
	var msgBase uint32
	cmd := &cobra.Command{
		Use:   "fault-inject",
		Short: "fault a task from the supervisor via kernel IPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bootFromFlags()
			if err != nil {
				return err
			}
			defer b.Sim.Close()
			if err := scenario.FaultInject(b.Kernel, 0, target, reason, msgBase); err != nil {
				return err
			}
			fmt.Printf("task %d faulted\n", target)
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "target", 1, "task index to fault")
	cmd.Flags().Uint32Var(&reason, "reason", 0, "injected fault reason code")
	cmd.Flags().Uint32Var(&msgBase, "msg-base", 0, "arena offset scratch space for the kernel-IPC request body")
	return cmd
}
