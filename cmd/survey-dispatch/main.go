package main

import (
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	viper    *viper.Viper
	cfgFile  string
	envFiles []string
}

func newRootCommand() *cobra.Command {
	c := &cli{viper: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "survey-dispatch",
		Short:         "SACCO survey dispatch and progress engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.initConfig()
		},
	}

	c.setupFlags(rootCmd)

	rootCmd.AddCommand(
		c.initializeCommand(),
		c.advanceCommand(),
		c.remindCommand(),
		c.resumeRemindersCommand(),
		c.retryFailedCommand(),
		c.reconcileCommand(),
		c.dedupeCommand(),
		c.cleanupRemindersCommand(),
		c.redoCommand(),
		c.recordResponseCommand(),
		c.dispatchCommand(),
		c.pollDeliveryCommand(),
		c.creditsCommand(),
		c.scheduleCommand(),
		c.serveCommand(),
		c.issueGatewayTokenCommand(),
	)
	return rootCmd
}

func (c *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "Path to configuration file")
	flags.StringSliceVar(&c.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before reading the environment")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "PostgreSQL DSN")
	flags.Bool("messages-enabled", defaults.GetBool("messages.enabled"), "Outbound messaging kill switch")
	flags.String("transport", defaults.GetString("transport.kind"), "Message transport (sandbox, gateway)")
	flags.Bool("credit-precheck", defaults.GetBool("jobs.credit_precheck"), "Abort sending jobs whose estimated cost exceeds the balance")

	c.bindFlag(cmd, "log.level", "log-level")
	c.bindFlag(cmd, "log.format", "log-format")
	c.bindFlag(cmd, "database.driver", "database-driver")
	c.bindFlag(cmd, "database.path", "database-path")
	c.bindFlag(cmd, "database.dsn", "database-dsn")
	c.bindFlag(cmd, "messages.enabled", "messages-enabled")
	c.bindFlag(cmd, "transport.kind", "transport")
	c.bindFlag(cmd, "jobs.credit_precheck", "credit-precheck")
}

func (c *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := c.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (c *cli) initConfig() error {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return err
	}

	if c.cfgFile == "" {
		return nil
	}
	c.viper.SetConfigFile(c.cfgFile)
	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", c.cfgFile, err)
	}
	return nil
}
