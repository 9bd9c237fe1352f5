// Package cmd implements gpuforgectl: a small operator CLI issuing
// pause/resume/stop/status against a running orchestrator's control
// surface (internal/control). Grounded on the teacher's inference-sim
// sibling's cmd/root.go (a bare cobra.Command tree, flag-bound package
// vars, logrus for CLI-side logging) rather than Thea's own shape, since
// Thea has no equivalent standalone CLI in this corpus.
package cmd

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/riftlab/gpuforge/internal/control"
)

var (
	controlAddr string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "gpuforgectl",
	Short: "Operator CLI for a running gpuforge orchestrator",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report every stage's admission state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resp, err := client().Status(ctx)
		if err != nil {
			logrus.Fatalf("status failed: %v", err)
		}
		if len(resp.Stages) == 0 {
			logrus.Info("no stages enabled")
			return
		}
		for _, s := range resp.Stages {
			switch {
			case s.Live:
				logrus.Infof("%-16s live      state=%s", s.Stage, s.State)
			case s.Deferred:
				logrus.Infof("%-16s deferred  (awaiting VRAM)", s.Stage)
			default:
				logrus.Infof("%-16s idle", s.Stage)
			}
		}
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause every live stage",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg, err := client().Pause(ctx)
		if err != nil {
			logrus.Fatalf("pause failed: %v", err)
		}
		logrus.Info(msg.Reason)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every paused stage",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg, err := client().Resume(ctx)
		if err != nil {
			logrus.Fatalf("resume failed: %v", err)
		}
		logrus.Info(msg.Reason)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop every live stage and await completion",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg, err := client().Stop(ctx)
		if err != nil {
			logrus.Fatalf("stop failed: %v", err)
		}
		logrus.Info(msg.Reason)
	},
}

func client() *control.Client {
	return control.NewClient(controlAddr)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&controlAddr, "addr", "http://127.0.0.1:9091", "Base URL of the orchestrator's control surface")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")

	rootCmd.AddCommand(statusCmd, pauseCmd, resumeCmd, stopCmd)
}
