package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddr4869/organchain/cli"
	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/config"
	"github.com/ddr4869/organchain/registry"
	"github.com/ddr4869/organchain/server"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var (
	configPath string
	conf       *config.Config

	decrypt  bool
	hospital registry.Hospital
	party    cli.PartyInput

	certDir   string
	certOrg   string
	certHosts []string
)

// rootCmd is the organchain command line
var rootCmd = &cobra.Command{
	Use:   "organchain",
	Short: "Organ donation registry with an encrypted audit chain",
	Long: `organchain registers hospitals, donors and patients, matches them first come
first served by blood group compatibility and records every event on an
encrypted, hash-linked audit chain.`,
	PersistentPreRunE: initialize,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the ledger encryption key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.HandleKeygen(conf.Ledger.KeyFile)
	},
}

var certgenCmd = &cobra.Command{
	Use:   "certgen",
	Short: "Generate a CA and TLS certificate for the audit server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.HandleCertgen(certDir, certOrg, certHosts)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local audit chain over gRPC",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect, verify and repair the audit chain",
}

var chainShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every block of the chain",
	Args:  cobra.NoArgs,
	RunE: withHandlers(true, func(ctx context.Context, h *cli.Handlers) error {
		return h.HandleChainShow(ctx, decrypt)
	}),
}

var chainVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash linkage of the chain",
	Args:  cobra.NoArgs,
	RunE: withHandlers(true, func(ctx context.Context, h *cli.Handlers) error {
		return h.HandleChainVerify(ctx)
	}),
}

var chainRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rewrite broken previous_hash links and save the chain",
	Args:  cobra.NoArgs,
	RunE: withHandlers(true, func(ctx context.Context, h *cli.Handlers) error {
		return h.HandleChainRepair(ctx)
	}),
}

var hospitalCmd = &cobra.Command{
	Use:   "hospital",
	Short: "Manage hospitals",
}

var hospitalAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a hospital",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hospital.Name = args[0]
		return withHandlers(false, func(ctx context.Context, h *cli.Handlers) error {
			return h.HandleHospitalAdd(ctx, &hospital)
		})(cmd, args)
	},
}

var donorCmd = &cobra.Command{
	Use:   "donor",
	Short: "Manage donors",
}

var donorAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a donor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		party.Name = args[0]
		return withHandlers(false, func(ctx context.Context, h *cli.Handlers) error {
			return h.HandleDonorAdd(ctx, &party)
		})(cmd, args)
	},
}

var patientCmd = &cobra.Command{
	Use:   "patient",
	Short: "Manage patients",
}

var patientAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		party.Name = args[0]
		return withHandlers(false, func(ctx context.Context, h *cli.Handlers) error {
			return h.HandlePatientAdd(ctx, &party)
		})(cmd, args)
	},
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match waiting donors and patients",
	Args:  cobra.NoArgs,
	RunE: withHandlers(false, func(ctx context.Context, h *cli.Handlers) error {
		return h.HandleMatch(ctx)
	}),
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Record every registry row on the chain",
	Args:  cobra.NoArgs,
	RunE: withHandlers(false, func(ctx context.Context, h *cli.Handlers) error {
		return h.HandleSync(ctx)
	}),
}

func init() {
	// replaced by the configured logger once the config is loaded
	if err := logger.InitializeDevelopment(); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the YAML configuration file")

	certgenCmd.Flags().StringVar(&certDir, "out", "data/tls", "Directory to write ca.pem, server.pem and server-key.pem to")
	certgenCmd.Flags().StringVar(&certOrg, "org", "organchain", "Organization named in the certificates")
	certgenCmd.Flags().StringSliceVar(&certHosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names and IPs the server certificate is valid for")

	chainShowCmd.Flags().BoolVar(&decrypt, "decrypt", false, "Decrypt entries that the configured key can open")

	hospitalAddCmd.Flags().StringVar(&hospital.Email, "email", "", "Contact email, unique per hospital")
	hospitalAddCmd.Flags().StringVar(&hospital.Location, "location", "", "Hospital location")

	for _, cmd := range []*cobra.Command{donorAddCmd, patientAddCmd} {
		cmd.Flags().Int64Var(&party.HospitalID, "hospital", 0, "Registering hospital id")
		cmd.Flags().IntVar(&party.Age, "age", 0, "Age in years")
		cmd.Flags().StringVar(&party.Gender, "gender", "", "Gender")
		cmd.Flags().StringVar(&party.BloodType, "blood-type", "", "ABO/Rh blood group, e.g. O-")
		cmd.Flags().StringVar(&party.Organ, "organ", "", "Organ donated or needed")
		cmd.MarkFlagRequired("hospital")
		cmd.MarkFlagRequired("blood-type")
		cmd.MarkFlagRequired("organ")
	}

	chainCmd.AddCommand(chainShowCmd, chainVerifyCmd, chainRepairCmd)
	hospitalCmd.AddCommand(hospitalAddCmd)
	donorCmd.AddCommand(donorAddCmd)
	patientCmd.AddCommand(patientAddCmd)
	rootCmd.AddCommand(keygenCmd, certgenCmd, serveCmd, chainCmd, hospitalCmd, donorCmd, patientCmd, matchCmd, syncCmd)
}

// initialize loads the configuration and sets up logging before any command runs.
func initialize(cmd *cobra.Command, args []string) error {
	var err error
	conf, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Initialize(&conf.Log); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	return nil
}

// withHandlers opens the node for one command and closes it afterwards.
// Chain commands pass strictLedger so they never act on a stand-in chain.
func withHandlers(strictLedger bool, fn func(ctx context.Context, h *cli.Handlers) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		node, err := cli.Open(ctx, conf, strictLedger)
		if err != nil {
			return err
		}
		defer func() {
			logger.LogIfError(node.Close(), "failed to close node")
		}()
		return fn(ctx, cli.NewHandlers(node.Service))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	conf.PrintConfig()

	l, err := cli.OpenLedger(&conf.Ledger, true)
	if err != nil {
		return logger.WrapError(err, "failed to open ledger for serving")
	}
	defer func() {
		logger.LogIfError(l.Close(), "failed to close snapshot store")
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []grpc.ServerOption
	if conf.Server.TLSCert != "" {
		creds, err := server.ServerTLS(conf.Server.TLSCert, conf.Server.TLSKey)
		if err != nil {
			return err
		}
		opts = append(opts, creds)
	}

	persisted := l.StartPersister(ctx, conf.Ledger.PersistInterval)
	srv := server.NewAuditServer(l, opts...)
	err = srv.StartWithContext(ctx, conf.Server.Address)

	// the persister saves once more on its way out
	stop()
	<-persisted
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Errorf("Command execution failed: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}
