package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/spf13/cobra"

	"healthcare-agent/internal/healthscribe"
)

type stateMachineAPI interface {
	CreateStateMachine(ctx context.Context, in *sfn.CreateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.CreateStateMachineOutput, error)
	UpdateStateMachine(ctx context.Context, in *sfn.UpdateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.UpdateStateMachineOutput, error)
	ListStateMachines(ctx context.Context, in *sfn.ListStateMachinesInput, optFns ...func(*sfn.Options)) (*sfn.ListStateMachinesOutput, error)
}

func newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Render or deploy the HealthScribe state machine",
	}
	cmd.PersistentFlags().String("lambda-arn", "", "HealthScribe task Lambda ARN (env HEALTHSCRIBE_LAMBDA_ARN)")
	cmd.PersistentFlags().Int("wait", healthscribe.DefaultWaitSeconds, "Seconds between job status checks")

	cmd.AddCommand(&cobra.Command{
		Use:   "render",
		Short: "Print the state machine definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := definitionFromFlags(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), def)
			return err
		},
	})

	var name, roleARN string
	deploy := &cobra.Command{
		Use:   "deploy",
		Short: "Create or update the state machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := definitionFromFlags(cmd)
			if err != nil {
				return err
			}
			awsCfg, err := config.LoadDefaultConfig(cmd.Context())
			if err != nil {
				return fmt.Errorf("load AWS config: %w", err)
			}
			arn, created, err := deployWorkflow(cmd.Context(), sfn.NewFromConfig(awsCfg), name, roleARN, def)
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, arn)
			return err
		},
	}
	deploy.Flags().StringVar(&name, "name", "healthscribe-workflow", "State machine name")
	deploy.Flags().StringVar(&roleARN, "role-arn", "", "Execution role ARN")
	_ = deploy.MarkFlagRequired("role-arn")
	cmd.AddCommand(deploy)
	return cmd
}

func definitionFromFlags(cmd *cobra.Command) (string, error) {
	lambdaARN, err := requiredSetting(cmd, "lambda-arn", "HEALTHSCRIBE_LAMBDA_ARN")
	if err != nil {
		return "", err
	}
	wait, err := cmd.Flags().GetInt("wait")
	if err != nil {
		return "", err
	}
	return healthscribe.Definition(lambdaARN, wait)
}

// deployWorkflow creates the state machine, or updates it in place when one
// with the same name already exists.
func deployWorkflow(ctx context.Context, api stateMachineAPI, name, roleARN, definition string) (string, bool, error) {
	out, err := api.CreateStateMachine(ctx, &sfn.CreateStateMachineInput{
		Name:       aws.String(name),
		RoleArn:    aws.String(roleARN),
		Definition: aws.String(definition),
		Type:       sfntypes.StateMachineTypeStandard,
	})
	if err == nil {
		return aws.ToString(out.StateMachineArn), true, nil
	}
	var exists *sfntypes.StateMachineAlreadyExists
	if !errors.As(err, &exists) {
		return "", false, fmt.Errorf("create state machine %s: %w", name, err)
	}

	arn, err := findStateMachine(ctx, api, name)
	if err != nil {
		return "", false, err
	}
	if _, err := api.UpdateStateMachine(ctx, &sfn.UpdateStateMachineInput{
		StateMachineArn: aws.String(arn),
		RoleArn:         aws.String(roleARN),
		Definition:      aws.String(definition),
	}); err != nil {
		return "", false, fmt.Errorf("update state machine %s: %w", name, err)
	}
	return arn, false, nil
}

func findStateMachine(ctx context.Context, api stateMachineAPI, name string) (string, error) {
	p := sfn.NewListStateMachinesPaginator(api, &sfn.ListStateMachinesInput{})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("list state machines: %w", err)
		}
		for _, sm := range page.StateMachines {
			if aws.ToString(sm.Name) == name {
				return aws.ToString(sm.StateMachineArn), nil
			}
		}
	}
	return "", fmt.Errorf("state machine %s exists but was not found in listing", name)
}
