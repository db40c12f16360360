package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/spf13/cobra"

	"healthcare-agent/internal/records"
)

func newRecordsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Manage the clinical records database",
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create the documents schema if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cluster, err := requiredSetting(cmd, "cluster-arn", "DB_CLUSTER_ARN")
			if err != nil {
				return err
			}
			secret, err := requiredSetting(cmd, "secret-arn", "DB_SECRET_ARN")
			if err != nil {
				return err
			}
			database, err := requiredSetting(cmd, "database", "DB_NAME")
			if err != nil {
				return err
			}
			awsCfg, err := config.LoadDefaultConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}
			store, err := records.New(rdsdata.NewFromConfig(awsCfg), cluster, secret, database)
			if err != nil {
				return err
			}
			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return err
		},
	}
	migrate.Flags().String("cluster-arn", "", "Aurora cluster ARN (env DB_CLUSTER_ARN)")
	migrate.Flags().String("secret-arn", "", "Secrets Manager ARN for the database (env DB_SECRET_ARN)")
	migrate.Flags().String("database", "", "Database name (env DB_NAME)")
	cmd.AddCommand(migrate)
	return cmd
}
