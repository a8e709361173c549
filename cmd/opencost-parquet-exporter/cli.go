package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/m-lab/go/flagx"

	"github.com/opencost/opencost-parquet-exporter/internal/azure"
	"github.com/opencost/opencost-parquet-exporter/internal/config"
	"github.com/opencost/opencost-parquet-exporter/internal/exporter"
	"github.com/opencost/opencost-parquet-exporter/internal/fetch"
	"github.com/opencost/opencost-parquet-exporter/internal/gcs"
	"github.com/opencost/opencost-parquet-exporter/internal/normalize"
	"github.com/opencost/opencost-parquet-exporter/internal/s3"
	"github.com/opencost/opencost-parquet-exporter/internal/schema"
	"github.com/opencost/opencost-parquet-exporter/internal/storage"
	"github.com/opencost/opencost-parquet-exporter/internal/testhelper"
)

var (
	// Flags related to the OpenCost service.
	svcHostname string
	svcPort     int
	windowStart string
	windowEnd   string
	aggregate   string
	step        string
	resolution  string
	accumulate  string
	includeIdle bool
	idleByNode  bool

	// Flags related to storage.
	storageBackend      string
	fileKeyPrefix       string
	s3Bucket            string
	s3Region            string
	s3Endpoint          string
	azureStorageAccount string
	azureContainer      string
	azureTenant         string
	azureClientID       string
	azureClientSecret   string
	azureSecretFile     flagx.File
	gcpBucket           string
	gcpCredentials      flagx.File

	// Flags related to program's execution.
	rulesFile       string
	tableSchemaFile string
	pushgatewayURL  string
	verbose         bool

	// Errors related to command line parsing and validation.
	errExtraArgs   = errors.New("extra arguments on the command line")
	errHalfWindow  = errors.New("must specify both window-start and window-end or neither")
	errBadPort     = errors.New("svc-port must be between 1 and 65535")
	errNoHostname  = errors.New("must specify svc-hostname")
	errLoadRules   = errors.New("failed to load normalization rules")
	errBuildConfig = errors.New("failed to build export configuration")
	errTwoSecrets  = errors.New("must specify azure-client-secret or azure-client-secret-file, not both")
)

// envPrefix prefixes the environment variables of earlier releases of
// the exporter, e.g., OPENCOST_PARQUET_SVC_HOSTNAME for -svc-hostname.
const envPrefix = "OPENCOST_PARQUET_"

func initFlags() {
	// Flags related to the OpenCost service.
	flag.StringVar(&svcHostname, "svc-hostname", "localhost", "hostname of the OpenCost service")
	flag.IntVar(&svcPort, "svc-port", 9003, "port of the OpenCost service")
	flag.StringVar(&windowStart, "window-start", "", "start of the export window in RFC3339 format (default yesterday 00:00:00Z)")
	flag.StringVar(&windowEnd, "window-end", "", "end of the export window in RFC3339 format (default yesterday 23:59:59Z)")
	flag.StringVar(&aggregate, "aggregate", "namespace,pod,container", "allocation aggregation")
	flag.StringVar(&step, "step", "1h", "allocation step")
	flag.StringVar(&resolution, "resolution", "", "allocation resolution (not sent when empty)")
	flag.StringVar(&accumulate, "accumulate", "", "allocation accumulation (not sent when empty)")
	flag.BoolVar(&includeIdle, "include-idle", false, "include idle allocations")
	flag.BoolVar(&idleByNode, "idle-by-node", false, "split idle allocations by node")

	// Flags related to storage.
	flag.StringVar(&storageBackend, "storage-backend", storage.Local, fmt.Sprintf("storage backend, one of %v", storage.Backends()))
	flag.StringVar(&fileKeyPrefix, "file-key-prefix", "/tmp", "directory or object key prefix under which partitions are written")
	flag.StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
	flag.StringVar(&s3Region, "s3-region", "", "S3 region (default from the AWS environment)")
	flag.StringVar(&s3Endpoint, "s3-endpoint", "", "endpoint of an S3-compatible store")
	flag.StringVar(&azureStorageAccount, "azure-storage-account", "", "Azure storage account name")
	flag.StringVar(&azureContainer, "azure-container", "", "Azure blob container name")
	flag.StringVar(&azureTenant, "azure-tenant", "", "Azure tenant ID")
	flag.StringVar(&azureClientID, "azure-client-id", "", "Azure application (client) ID")
	flag.StringVar(&azureClientSecret, "azure-client-secret", "", "Azure client secret")
	azureSecretFile = flagx.File{}
	flag.Var(&azureSecretFile, "azure-client-secret-file", "pathname of a file holding the Azure client secret")
	flag.StringVar(&gcpBucket, "gcp-bucket", "", "GCS bucket name")
	gcpCredentials = flagx.File{}
	flag.Var(&gcpCredentials, "gcp-credentials", "pathname of a GCP service account JSON key (default application default credentials)")

	// Flags related to program's execution.
	flag.StringVar(&rulesFile, "rules-file", "", "YAML file of normalization rules (default built-in rules)")
	flag.StringVar(&tableSchemaFile, "table-schema-file", "", "table schema file checked and updated on every run (not checked when empty)")
	flag.StringVar(&pushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway to push run metrics to")
	flag.BoolVar(&verbose, "verbose", false, "enable verbose mode")
}

// parseAndValidateCLI parses and validates the command line.
func parseAndValidateCLI() error {
	initFlags()
	flag.Parse()
	if flag.NArg() != 0 {
		return errExtraArgs
	}

	// Now, check if some flags were set in the environment instead
	// of on the command line.  OPENCOST_PARQUET_<FLAG> wins over
	// <FLAG>.  Values are not logged because some of them are secrets.
	if err := argsFromPrefixedEnv(flag.CommandLine, envPrefix); err != nil {
		return fmt.Errorf("failed to get args from the environment: %w", err)
	}
	if err := flagx.ArgsFromEnvWithLog(flag.CommandLine, false); err != nil {
		return fmt.Errorf("failed to get args from the environment: %w", err)
	}

	// Enable verbose mode in all packages as soon as the flags are
	// parsed because they may be called for during argument validation.
	if verbose {
		fetch.Verbose(testhelper.VLogf)
		normalize.Verbose(testhelper.VLogf)
		schema.Verbose(testhelper.VLogf)
		storage.Verbose(testhelper.VLogf)
		s3.Verbose(testhelper.VLogf)
		azure.Verbose(testhelper.VLogf)
		gcs.Verbose(testhelper.VLogf)
		exporter.Verbose(testhelper.VLogf)
	}

	if svcHostname == "" {
		return errNoHostname
	}
	if svcPort < 1 || svcPort > 65535 {
		return fmt.Errorf("%v: %w", svcPort, errBadPort)
	}
	if (windowStart == "") != (windowEnd == "") {
		return errHalfWindow
	}
	if azureClientSecret != "" && azureSecretFile.String() != "" {
		return errTwoSecrets
	}
	return nil
}

// argsFromPrefixedEnv sets every flag not given on the command line
// from the environment variable named prefix followed by the flag's
// shell variable name.
func argsFromPrefixedEnv(fs *flag.FlagSet, prefix string) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		name := prefix + flagx.MakeShellVariableName(f.Name)
		val, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("%v: %w", name, serr)
			return
		}
		log.Printf("flag -%v set from %v", f.Name, name)
	})
	return err
}

// azureSecret returns the Azure client secret given directly or in a
// file.
func azureSecret() string {
	if azureSecretFile.String() != "" {
		return strings.TrimSpace(azureSecretFile.Content())
	}
	return azureClientSecret
}

// exportConfig builds the configuration of this run from the flags.
func exportConfig(now time.Time) (*config.ExportConfig, error) {
	cfg, err := config.New(config.Params{
		Hostname:       svcHostname,
		Port:           svcPort,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		Aggregate:      aggregate,
		Step:           step,
		Resolution:     resolution,
		Accumulate:     accumulate,
		IncludeIdle:    includeIdle,
		IdleByNode:     idleByNode,
		StorageBackend: storageBackend,
		FileKeyPrefix:  fileKeyPrefix,
		S3: config.S3Config{
			Bucket:   s3Bucket,
			Region:   s3Region,
			Endpoint: s3Endpoint,
		},
		Azure: config.AzureConfig{
			StorageAccount: azureStorageAccount,
			Container:      azureContainer,
			TenantID:       azureTenant,
			ClientID:       azureClientID,
			ClientSecret:   azureSecret(),
		},
		GCP: config.GCPConfig{
			Bucket:          gcpBucket,
			CredentialsJSON: []byte(gcpCredentials.Content()),
		},
	}, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBuildConfig, err)
	}
	return cfg, nil
}

// loadRules returns the rules in rulesFile or the built-in rules.
func loadRules() (*normalize.Rules, error) {
	var (
		rules *normalize.Rules
		err   error
	)
	if rulesFile == "" {
		rules, err = normalize.DefaultRules()
	} else {
		rules, err = normalize.LoadRules(rulesFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLoadRules, err)
	}
	return rules, nil
}
