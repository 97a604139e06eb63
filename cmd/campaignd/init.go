package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput      string
	initDataDir     string
	initAPIKey      string
	initGatewayURL  string
	initGatewayKey  string
	initInstance    string
	initGatewayFile string
	initMetrics     bool
	initForce       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize campaignd configuration",
	Long: `Interactive wizard to create a campaignd configuration file.

The gateway is either configured inline or read from a JSON file
({"baseUrl", "apiKey", "instanceName"}) that is reloaded when it changes.

Examples:
  # Interactive mode - prompts for missing values
  campaignd init

  # Non-interactive with inline gateway settings
  campaignd init --gateway-url https://evolution.example.com --gateway-key KEY --instance main

  # Gateway settings managed in a separate file
  campaignd init --gateway-file /etc/campaignd/gateway.json -o config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/campaignd", "Data directory for the job database")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway-url", "", "Gateway base URL")
	initCmd.Flags().StringVar(&initGatewayKey, "gateway-key", "", "Gateway API key")
	initCmd.Flags().StringVar(&initInstance, "instance", "", "Gateway instance name")
	initCmd.Flags().StringVar(&initGatewayFile, "gateway-file", "", "Gateway JSON config file (instead of inline settings)")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "Enable Prometheus metrics")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("campaignd Configuration Wizard")
	fmt.Println("==============================")
	fmt.Println()

	// Get data directory
	initDataDir = prompt(reader, "Data directory", initDataDir)

	// Gateway setup
	if initGatewayFile == "" && initGatewayURL == "" {
		initGatewayURL = prompt(reader, "Gateway base URL (empty to use a gateway file)", "")
	}
	if initGatewayURL != "" {
		if initGatewayKey == "" {
			initGatewayKey = prompt(reader, "Gateway API key", "")
		}
		if initInstance == "" {
			initInstance = prompt(reader, "Gateway instance name", "")
		}
		if initGatewayKey == "" || initInstance == "" {
			return fmt.Errorf("gateway API key and instance name are required with a gateway URL")
		}
	} else if initGatewayFile == "" {
		initGatewayFile = prompt(reader, "Gateway config file", initDataDir+"/gateway.json")
	}

	// API key
	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	// Check if output file exists
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	// Create directories if needed
	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	config := generateConfig()

	// Write config file
	if err := os.WriteFile(initOutput, []byte(config), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	gatewaySection := ""
	if initGatewayFile != "" {
		gatewaySection = fmt.Sprintf(`gateway:
  # JSON file with baseUrl, apiKey and instanceName, reloaded on change
  config_file: "%s"
  check_timeout: 10s
  send_timeout: 30s`, initGatewayFile)
	} else {
		gatewaySection = fmt.Sprintf(`gateway:
  base_url: "%s"
  api_key: "%s"
  instance_name: "%s"
  check_timeout: 10s
  send_timeout: 30s`, initGatewayURL, initGatewayKey, initInstance)
	}

	metricsSection := ""
	if initMetrics {
		metricsSection = `metrics:
  enabled: true
  listen_addr: ":9090"
  path: "/metrics"
  flush_interval: 10s
  allowed_ips:
    - "127.0.0.1"`
	} else {
		metricsSection = `# Uncomment to enable Prometheus metrics
# metrics:
#   enabled: true
#   listen_addr: ":9090"
#   path: "/metrics"`
	}

	return fmt.Sprintf(`# campaignd configuration
# Generated by: campaignd init

api:
  listen_addr: ":8080"
  api_key: "%s"
  max_body_bytes: 52428800  # 50 MB, media included
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s

storage:
  path: "%s/campaignd.db"
  retention:
    finished_max_age: 720h  # 30 days, 0 keeps finished jobs forever
    cleanup_interval: 1h

%s

dispatch:
  max_attempts: 3
  backoff_base: 2s
  progress_every: 10
  send_rate: 0  # sends per second across all jobs, 0 = unlimited
  default_delays:
    min: 5
    max: 10

scheduler:
  sweep_interval: 1m
  grace_delay: 1s
  resume_interrupted: true

eventlog:
  max_entries: 1000

%s

logging:
  level: "info"
  format: "json"
`,
		initAPIKey,
		initDataDir,
		gatewaySection,
		metricsSection,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	step := 1
	if initGatewayFile != "" {
		fmt.Printf("%d. Write the gateway settings to %s:\n", step, initGatewayFile)
		fmt.Println(`   {"baseUrl": "https://...", "apiKey": "...", "instanceName": "..."}`)
		fmt.Println()
		step++
	}
	fmt.Printf("%d. Check the gateway connection:\n", step)
	fmt.Printf("   campaignd gateway check -c %s\n", initOutput)
	fmt.Println()
	step++
	fmt.Printf("%d. Start the server:\n", step)
	fmt.Printf("   campaignd serve -c %s\n", initOutput)
	fmt.Println()
	step++
	fmt.Printf("%d. Create a campaign:\n", step)
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/jobs \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"targets": ["5511999999999"], "message": "Hello!", "mediaType": "text"}'`)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
