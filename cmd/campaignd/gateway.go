package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/campaignd/internal/config"
	"github.com/foxzi/campaignd/internal/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Messaging gateway commands",
}

var gatewayCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the gateway instance connection state",
	RunE:  runGatewayCheck,
}

func init() {
	gatewayCmd.AddCommand(gatewayCheckCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	if cfg.Gateway.ConfigFile == "" {
		return cfg.InlineGateway(), nil
	}

	p, err := gateway.NewFileProvider(cfg.Gateway.ConfigFile, nil)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("failed to load gateway config: %w", err)
	}
	return p.Config(), nil
}

func runGatewayCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	gw, err := gatewayConfig(cfg)
	if err != nil {
		return err
	}
	if !gw.Complete() {
		return gateway.ErrNotConfigured
	}

	client := gateway.NewClient(gateway.ClientOptions{
		CheckTimeout: cfg.Gateway.CheckTimeout,
		SendTimeout:  cfg.Gateway.SendTimeout,
	})

	fmt.Printf("Checking instance %s at %s...\n", gw.InstanceName, gw.BaseURL)

	start := time.Now()
	status := client.CheckConnection(context.Background(), gw)
	elapsed := time.Since(start).Round(time.Millisecond)

	if !status.Connected {
		return fmt.Errorf("instance not connected: %s", status.Reason())
	}

	fmt.Printf("  Connected (state %s) in %s\n", status.State, elapsed)
	return nil
}
