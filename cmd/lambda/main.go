// Command lambda is the serverless entry point. The triggering event is
// ignored: when ECS_TASK_DEFINITION is set the handler starts the backup as a
// container task, otherwise it runs the backup in-process.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"

	"vault-db-backup/internal/application"
	"vault-db-backup/internal/logging"
)

// Response is returned to the invoker.
type Response struct {
	AttemptID string   `json:"attempt_id,omitempty"`
	Stage     string   `json:"stage,omitempty"`
	Location  string   `json:"location,omitempty"`
	Tasks     []string `json:"tasks,omitempty"`
}

func handler(ctx context.Context, _ json.RawMessage) (*Response, error) {
	v := viper.New()
	v.AutomaticEnv()

	if launch := application.LoadLaunchConfig(v); launch.Enabled() {
		launcher, err := application.NewLauncher(launch, nil, logging.NewDefaultLogger())
		if err != nil {
			return nil, err
		}
		arns, err := launcher.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Tasks: arns}, nil
	}

	result := application.Run(ctx, application.Options{})
	summary := application.Summary(result)
	resp := &Response{
		AttemptID: summary.AttemptID,
		Stage:     string(result.Attempt.CurrentStage()),
		Location:  summary.Location,
	}
	if result.Err != nil {
		return resp, fmt.Errorf("backup %s failed at stage %s: %w", summary.AttemptID, summary.Stage, result.Err)
	}
	return resp, nil
}

func main() {
	lambda.Start(handler)
}
