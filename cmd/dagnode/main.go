package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dagledger-core/core"
	"dagledger-core/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "dagnode"}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(catchupCmd())
	rootCmd.AddCommand(genesisCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadNodeConfig(envFlag string) (*config.NodeConfig, error) {
	if envFlag != "" {
		return config.Load(envFlag)
	}
	return config.LoadFromEnv()
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node's storage, writer, stabilizer and request server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(env)
			if err != nil {
				return err
			}
			store, err := core.OpenStorage(core.StorageConfig{WALPath: cfg.Storage.WALFile})
			if err != nil {
				return err
			}
			defer store.Close()

			graph := core.NewGraph(store)
			defs := core.NewDefinitionStore(store)
			writer := core.NewWriter(store, graph, defs, cfg.Network.Witnesses)
			state := core.NewAAStateStore(store)
			aa, err := core.NewAAEngine(store, defs, state, cfg.AAEngine.GetterCacheSize)
			if err != nil {
				return err
			}
			core.NewStabilizer(store, writer, aa)

			catchupSrv := core.NewCatchupServer(store, graph)
			srv := core.NewNodeRequestServer(store, catchupSrv, cfg.Network.Witnesses)
			handler := core.NewHTTPRequestServer(srv)

			fmt.Printf("listening on %s\n", cfg.Network.ListenAddr)
			return http.ListenAndServe(cfg.Network.ListenAddr, handler)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name merged on top of the default config")
	return cmd
}

func validateCmd() *cobra.Command {
	var env, unitFile string
	cmd := &cobra.Command{
		Use:   "validate [unit.json]",
		Short: "validate a single unit against the node's current witness list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				unitFile = args[0]
			}
			cfg, err := loadNodeConfig(env)
			if err != nil {
				return err
			}
			store, err := core.OpenStorage(core.StorageConfig{WALPath: cfg.Storage.WALFile})
			if err != nil {
				return err
			}
			defer store.Close()

			raw, err := os.ReadFile(unitFile)
			if err != nil {
				return err
			}
			var joint core.Joint
			if err := json.Unmarshal(raw, &joint); err != nil {
				return err
			}
			graph := core.NewGraph(store)
			defs := core.NewDefinitionStore(store)
			v := core.NewValidator(store, graph, defs, cfg.Network.Alt, cfg.Network.IsLightClient)
			result := v.Validate(joint, time.Now())
			fmt.Printf("outcome=%s missing=%v err=%v\n", outcomeString(result.Outcome), result.Missing, result.Err)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name merged on top of the default config")
	return cmd
}

func outcomeString(o core.ValidationOutcome) string {
	switch o {
	case core.Ok:
		return "ok"
	case core.NeedParents:
		return "need_parents"
	case core.Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func catchupCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "run a single catchup round against the configured peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadNodeConfig(env)
			if err != nil {
				return err
			}
			fmt.Println("catchup requires a configured Network peer client; see core.SyncManager")
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name merged on top of the default config")
	return cmd
}

func genesisCmd() *cobra.Command {
	var env, issueAddr string
	var supply int64
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "build and print the fixed genesis joint for a witness list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(env)
			if err != nil {
				return err
			}
			joint, err := core.BuildGenesisJoint(cfg.Network.Witnesses, time.Now().Unix(), issueAddr, supply)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(joint, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name merged on top of the default config")
	cmd.Flags().StringVar(&issueAddr, "issue-address", "", "address receiving the initial issue")
	cmd.Flags().Int64Var(&supply, "supply", 0, "initial supply issued to issue-address")
	return cmd
}
