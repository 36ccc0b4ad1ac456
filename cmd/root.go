package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vault-db-backup/internal/application"
	"vault-db-backup/internal/config"
	"vault-db-backup/internal/display"
	apperrors "vault-db-backup/internal/errors"
)

// rootCmd runs one backup attempt. All options come from the environment.
var rootCmd = &cobra.Command{
	Use:   "vault-db-backup",
	Short: "Back up a database with credentials leased from Vault",
	Long: `vault-db-backup dumps one MongoDB, MySQL or PostgreSQL database into a
compressed archive and uploads it to object storage. Credentials are either
taken from the environment or leased from a Vault secrets engine, and the lease
is renewed for as long as the backup runs.

Failures are reported by email (SES), Slack and an optional webhook.

Examples:
  # MongoDB with Vault-leased credentials, uploaded to S3
  DB_ENGINE=mongo MONGO_HOST=db.internal VAULT_HOST=https://vault:8200 \
  VAULT_TOKEN=s.xxx VAULT_SECRET=mongodb/creds/backup BUCKET_NAME=backups \
  vault-db-backup

  # MySQL with explicit credentials, kept on local disk
  DB_ENGINE=mysql MYSQL_HOST=localhost MYSQL_USERNAME=root MYSQL_PASSWORD=secret \
  MYSQL_DATABASE=shop ARCHIVE_DIR=/var/backups vault-db-backup

Run "vault-db-backup env" for the full list of environment variables.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBackup,
}

// exitCode is set by runBackup and returned by Execute.
var exitCode int

// Execute runs the root command and exits with the attempt's exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prompter := config.NewPrompter()
	opts := application.Options{Prompter: prompter}
	if prompter.Interactive() {
		opts.Progress = os.Stderr
	}

	result := application.Run(ctx, opts)

	out := cmd.OutOrStdout()
	colors := display.NewColorSystem(os.Stdout)
	icons := display.NewIconSet(os.Stdout)
	display.NewRenderer(out, colors, icons).Render(application.Summary(result))
	if result.Err != nil {
		printHints(result.Err)
	}

	exitCode = result.ExitCode()
	return nil
}

func printHints(err error) {
	var hints []string
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeConfiguration:
		hints = []string{
			"Check DB_ENGINE and the <ENGINE>_HOST, _PORT and _USERNAME variables",
			"Either set a username and password or VAULT_SECRET, VAULT_HOST and VAULT_TOKEN",
		}
	case apperrors.ErrorTypeBroker:
		hints = []string{
			"Verify VAULT_HOST is reachable and VAULT_TOKEN is valid",
			"Verify the token policy allows reading VAULT_SECRET and renewing itself",
		}
	case apperrors.ErrorTypeDump:
		hints = []string{
			"Verify the database is reachable from this host",
			"For DUMP_METHOD=exec, make sure the dump tool is on PATH",
		}
	case apperrors.ErrorTypeUpload:
		hints = []string{
			"Verify BUCKET_NAME exists and the storage credentials can write to it",
			"The local archive was kept; it can be uploaded manually",
		}
	case apperrors.ErrorTypeStaging:
		hints = []string{"Remove the staging directory left by a previous run, or set STAGING_DIR"}
	case apperrors.ErrorTypeInterruption:
		hints = []string{"The run was interrupted or exceeded BACKUP_TIMEOUT"}
	}
	if len(hints) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, "\nTroubleshooting:")
	for _, h := range hints {
		fmt.Fprintf(os.Stderr, "  - %s\n", h)
	}
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
	rootCmd.Version = v
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vault-db-backup version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", goVersion)
		},
	}
}

// createEnvCommand prints the environment variable reference.
func createEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List the environment variables read by the backup",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), envReference)
		},
	}
}

const envReference = `# Database
DB_ENGINE              mongo | mysql | postgres (default mongo)
DUMP_METHOD            native | exec (default native; postgres requires exec)
<ENGINE>_HOST          database host, prompted for on a terminal when missing
<ENGINE>_PORT          database port (defaults 27017, 3306, 5432)
<ENGINE>_USERNAME      explicit username; skips Vault when set
<ENGINE>_PASSWORD      explicit password
<ENGINE>_DATABASE      database to dump (secret's database, else all, when empty)
MONGO_AUTH_SOURCE      MongoDB authentication database (default admin)

# Vault
VAULT_SECRET           path of the dynamic database secret
VAULT_HOST             Vault address
VAULT_TOKEN            renewable Vault token
VAULT_RENEW_INTERVAL   renewal period (default 70h)
VAULT_RENEW_INCREMENT  requested token TTL (default 72h)

# Archive
ARCHIVE_DIR            directory for the archive (default .)
ARCHIVE_COMPRESSION    gzip | zstd | lz4 (default gzip)
ARCHIVE_PASSPHRASE     encrypt the archive with AES-256-GCM when set
STAGING_DIR            staging directory of the native MongoDB dump (default dump)
KEEP_LOCAL_ARCHIVE     keep the archive after a remote upload (default true)
REMOVE_STAGING_DIR     remove the staging directory after success (default false)
BACKUP_TIMEOUT         overall deadline, 0 for none

# Storage
BUCKET_NAME            bucket or container; the archive stays local when empty
STORAGE_PROVIDER       s3 | gcs | azure (default s3)
BUCKET_PREFIX          object key prefix
AWS_REGION             S3 region
GCS_CREDENTIALS_FILE   service account file for GCS
AZURE_STORAGE_ACCOUNT  Azure storage account
AZURE_STORAGE_KEY      Azure storage key

# Notifications
EMAIL_FROM             SES sender
EMAIL_TO               recipients separated by ;
SES_REGION             SES region
SLACK_API_TOKEN        Slack bot token
SLACK_CHANNEL          Slack channel ID (default #alerts)
WEBHOOK_URL            JSON webhook endpoint

# Logging
LOG_LEVEL              quiet | normal | verbose | debug (default normal)
LOG_FORMAT             text | json (default text)
LOG_FILE               also append logs to this file
`

func init() {
	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createEnvCommand())
}
