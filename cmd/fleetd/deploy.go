package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/deploy"
	"github.com/pvik/fleetd/pkg/db"

	log "github.com/sirupsen/logrus"
)

var (
	deployRef       string
	deployKind      string
	deploySecretEnv string
)

func init() {
	deployCmd.Flags().StringVar(&deployRef, "ref", "", "git branch or tag, overrides the instance pin")
	deployCmd.Flags().StringVar(&deployKind, "kind", string(db.DeploymentFull), "full or reconfigure")
	deployCmd.Flags().StringVar(&deploySecretEnv, "secret-env", "", "environment variable holding the bootstrap admin password")
	rootCmd.AddCommand(deployCmd)
}

var deployCmd = &cobra.Command{
	Use:   "deploy <instance-id>",
	Short: "Deploy an instance and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		var secret string
		if deploySecretEnv != "" {
			secret = os.Getenv(deploySecretEnv)
			if secret == "" {
				return fmt.Errorf("environment variable %s is empty", deploySecretEnv)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		instanceID := args[0]
		deploymentID, err := e.Pipeline.Create(ctx, deploy.Request{
			InstanceID: instanceID,
			Kind:       db.DeploymentKind(deployKind),
			GitRef:     deployRef,
			Secret:     secret,
		})
		if err != nil {
			return err
		}

		fmt.Printf("deployment %s\n", deploymentID)
		res := e.Pipeline.Execute(ctx, instanceID, deploymentID)

		rows, err := e.Store.ListDeployment(ctx, instanceID, deploymentID)
		if err != nil {
			log.WithField("error", err).Warn("unable to list deployment steps")
		}
		for _, row := range rows {
			fmt.Printf("  %-14s %-8s %s\n", row.Step, row.Status, row.Message)
		}

		if !res.Success {
			return fmt.Errorf("deployment %s failed at %s", deploymentID, res.FailedStep)
		}
		return nil
	},
}
