package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohitkumar/caseflow/agent"
	"github.com/mohitkumar/caseflow/config"
	"github.com/mohitkumar/caseflow/flow"
	"github.com/mohitkumar/caseflow/metadata"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	v   *viper.Viper
	cfg config.Config
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.PersistentFlags().String("config-file", "", "Path to config file.")
	cmd.PersistentFlags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.PersistentFlags().String("namespace", "caseflow", "namespace used in storage")
	cmd.PersistentFlags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.PersistentFlags().Int("grpc-port", 8099, "grpc port for the engine service")
	cmd.PersistentFlags().String("storage-impl", "memory", "storage implementation: memory, redis, postgres or badger")
	cmd.PersistentFlags().String("queue-impl", "memory", "delay queue implementation: memory or redis")
	cmd.PersistentFlags().String("postgres-url", "", "postgres connection url")
	cmd.PersistentFlags().String("badger-dir", "data/badger", "badger data directory")
	cmd.PersistentFlags().String("node-name", "local", "name of this node in the cluster")
	cmd.PersistentFlags().String("members", "", "comma separated list of cluster node names")
	cmd.PersistentFlags().Int("dispatcher-concurrency", 8, "number of async service call workers")
	cmd.PersistentFlags().Int("max-retries", 3, "default attempts for service nodes")
	cmd.PersistentFlags().Bool("redis-fanout", false, "relay push events through redis pub/sub")
	cmd.PersistentFlags().String("directory-file", "", "yaml file seeding the user directory")
	cmd.PersistentFlags().String("definitions-dir", "", "directory of definitions activated at startup")
	cmd.PersistentFlags().String("log-level", "info", "log level")
	cmd.PersistentFlags().Bool("development", false, "development logging")
	return v.BindPFlags(cmd.PersistentFlags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		c.v.SetConfigFile(configFile)
		if err = c.v.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}
	c.cfg, err = config.Load(c.v)
	return err
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err = a.Start(); err != nil {
		_ = a.Shutdown()
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-a.Done():
	}
	return a.Shutdown()
}

func validate(cmd *cobra.Command, args []string) error {
	failed := false
	for _, path := range args {
		def, err := metadata.LoadDefinitionFile(path)
		if err != nil {
			return err
		}
		issues := flow.Validate(def)
		if len(issues) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			continue
		}
		failed = true
		for _, issue := range issues {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, issue)
		}
	}
	if failed {
		return fmt.Errorf("definitions have validation issues")
	}
	return nil
}

func newRootCommand() (*cobra.Command, error) {
	c := &cli{v: viper.New()}
	config.SetDefaults(c.v)

	root := &cobra.Command{
		Use:     "caseflow",
		PreRunE: c.setupConfig,
		RunE:    c.run,
	}
	if err := setupFlags(root, c.v); err != nil {
		return nil, err
	}
	root.AddCommand(&cobra.Command{
		Use:     "serve",
		Short:   "Run the workflow engine",
		PreRunE: c.setupConfig,
		RunE:    c.run,
	}, &cobra.Command{
		Use:   "validate <definition-file>...",
		Short: "Check definition files for structural errors",
		Args:  cobra.MinimumNArgs(1),
		RunE:  validate,
	})
	return root, nil
}

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		log.Fatal(err)
	}
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
