package cli

import (
	"os"

	"github.com/hidsward/hidsward/internal/client"
	"github.com/spf13/cobra"
)

const defaultControlSocket = "/var/run/hidsward/control.sock"

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "hidsward",
		Short:         "hidsward: HIDS alert ingestion and firewall block engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("hidsward {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.serverAddr, "server", getenvDefault("HIDSWARD_SERVER", "unix://"+defaultControlSocket), "Control API base URL (http://host:port or unix:///path)")
	cmd.PersistentFlags().StringVar(&cfg.transport, "transport", getenvDefault("HIDSWARD_TRANSPORT", "http"), "Client transport: http|grpc (grpc uses HTTP for non-gRPC endpoints)")
	cmd.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", getenvDefault("HIDSWARD_GRPC_ADDR", ""), "Control gRPC address (host:port or unix:///path)")
	cmd.PersistentFlags().StringVar(&cfg.apiKey, "api-key", getenvDefault("HIDSWARD_API_KEY", ""), "API key (sent as X-API-Key)")
	cmd.PersistentFlags().StringVar(&cfg.output, "output", getenvDefault("HIDSWARD_OUTPUT", "auto"), "Output format: auto|table|json (auto picks table on a terminal)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBlockCmd())
	cmd.AddCommand(newUnblockCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBlocksCmd())
	cmd.AddCommand(newIncidentsCmd())
	cmd.AddCommand(newWhitelistCmd())
	cmd.AddCommand(newSendAlertCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

type clientConfig struct {
	serverAddr string
	transport  string
	grpcAddr   string
	apiKey     string
	output     string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	transport, _ := cmd.Root().PersistentFlags().GetString("transport")
	grpcAddr, _ := cmd.Root().PersistentFlags().GetString("grpc-addr")
	apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
	output, _ := cmd.Root().PersistentFlags().GetString("output")
	if serverAddr == "" {
		serverAddr = "unix://" + defaultControlSocket
	}
	return &clientConfig{serverAddr: serverAddr, transport: transport, grpcAddr: grpcAddr, apiKey: apiKey, output: output}
}

// newClient is swapped out in tests.
var newClient = func(cfg *clientConfig) (client.CLIClient, error) {
	return client.NewForCLI(client.CLIOptions{HTTPBaseURL: cfg.serverAddr, GRPCAddr: cfg.grpcAddr, APIKey: cfg.apiKey, Transport: cfg.transport})
}

func clientFor(cmd *cobra.Command) (client.CLIClient, error) {
	return newClient(getClientConfig(cmd))
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
