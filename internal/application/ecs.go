package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/spf13/viper"

	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

// TaskRunner is the subset of the ECS API used to start backup tasks.
type TaskRunner interface {
	RunTaskWithContext(ctx aws.Context, input *ecs.RunTaskInput, opts ...request.Option) (*ecs.RunTaskOutput, error)
}

// LaunchConfig describes the container task the serverless handler starts
// instead of running the backup in-process.
type LaunchConfig struct {
	Cluster         string
	TaskDefinition  string
	Subnets         []string
	SecurityGroups  []string
	AssignPublicIP  string
	LaunchType      string
	PlatformVersion string
	Region          string
}

// Enabled reports whether a task definition is configured.
func (c LaunchConfig) Enabled() bool {
	return c.TaskDefinition != ""
}

// LoadLaunchConfig reads the ECS_* options from v.
func LoadLaunchConfig(v *viper.Viper) LaunchConfig {
	v.SetDefault("ECS_CLUSTER", "default")
	v.SetDefault("ECS_ASSIGN_PUBLIC_IP", ecs.AssignPublicIpEnabled)
	v.SetDefault("ECS_LAUNCH_TYPE", ecs.LaunchTypeFargate)
	v.SetDefault("ECS_PLATFORM_VERSION", "LATEST")

	return LaunchConfig{
		Cluster:         v.GetString("ECS_CLUSTER"),
		TaskDefinition:  v.GetString("ECS_TASK_DEFINITION"),
		Subnets:         splitList(v.GetString("ECS_SUBNETS")),
		SecurityGroups:  splitList(v.GetString("ECS_SECURITY_GROUPS")),
		AssignPublicIP:  strings.ToUpper(v.GetString("ECS_ASSIGN_PUBLIC_IP")),
		LaunchType:      strings.ToUpper(v.GetString("ECS_LAUNCH_TYPE")),
		PlatformVersion: v.GetString("ECS_PLATFORM_VERSION"),
		Region:          v.GetString("AWS_REGION"),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Launcher starts one backup task on ECS.
type Launcher struct {
	config LaunchConfig
	runner TaskRunner
	logger *logging.Logger
}

// NewLauncher creates a launcher. A nil runner creates an ECS client from the
// default AWS session.
func NewLauncher(cfg LaunchConfig, runner TaskRunner, logger *logging.Logger) (*Launcher, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if runner == nil {
		opts := session.Options{SharedConfigState: session.SharedConfigEnable}
		if cfg.Region != "" {
			opts.Config = aws.Config{Region: aws.String(cfg.Region)}
		}
		sess, err := session.NewSessionWithOptions(opts)
		if err != nil {
			return nil, apperrors.NewConfigurationError("failed to create AWS session", err)
		}
		runner = ecs.New(sess)
	}
	return &Launcher{config: cfg, runner: runner, logger: logger}, nil
}

// Launch starts the task and returns the ARNs of the started tasks.
func (l *Launcher) Launch(ctx context.Context) ([]string, error) {
	if !l.config.Enabled() {
		return nil, apperrors.NewConfigurationError("ECS_TASK_DEFINITION is not set", nil)
	}

	input := &ecs.RunTaskInput{
		Cluster:         aws.String(l.config.Cluster),
		TaskDefinition:  aws.String(l.config.TaskDefinition),
		Count:           aws.Int64(1),
		LaunchType:      aws.String(l.config.LaunchType),
		PlatformVersion: aws.String(l.config.PlatformVersion),
	}
	if len(l.config.Subnets) > 0 {
		vpc := &ecs.AwsVpcConfiguration{
			Subnets:        aws.StringSlice(l.config.Subnets),
			AssignPublicIp: aws.String(l.config.AssignPublicIP),
		}
		if len(l.config.SecurityGroups) > 0 {
			vpc.SecurityGroups = aws.StringSlice(l.config.SecurityGroups)
		}
		input.NetworkConfiguration = &ecs.NetworkConfiguration{AwsvpcConfiguration: vpc}
	}

	done := l.logger.LogOperationStart("ecs_run_task", map[string]interface{}{
		"cluster":         l.config.Cluster,
		"task_definition": l.config.TaskDefinition,
	})

	out, err := l.runner.RunTaskWithContext(ctx, input)
	if err == nil && len(out.Failures) > 0 {
		f := out.Failures[0]
		err = fmt.Errorf("task failed to start: %s (%s)", aws.StringValue(f.Reason), aws.StringValue(f.Arn))
	}
	if err == nil && len(out.Tasks) == 0 {
		err = fmt.Errorf("no task started")
	}
	done(err)
	if err != nil {
		return nil, apperrors.WrapError(err, "failed to launch backup task")
	}

	arns := make([]string, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		arns = append(arns, aws.StringValue(t.TaskArn))
	}
	l.logger.WithField("tasks", strings.Join(arns, ",")).Info("Backup task launched")
	return arns, nil
}
