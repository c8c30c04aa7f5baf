// Package main implements the channelctl command-line tool for publishing package channels.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/channelctl/channelctl/internal/channel"
	"github.com/channelctl/channelctl/internal/publish"
)

const (
	defaultConfigPath = "/etc/channelctl/channelctl.toml"
)

var (
	// Build information - can be set via build flags or by the build.sh script
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "channelctl",
	Short: "Publish and mirror package channels",
	Long: `channelctl merges locally built packages into remote package channels,
over an HTTP registry or a direct FTP/FTPS endpoint.

Find more information at: https://github.com/channelctl/channelctl`,
}

var publishCmd = &cobra.Command{
	Use:   "publish [source-ids...]",
	Short: "Publish local packages to one or more remote channels",
	Long: `Publishes the local channel's packages to the configured remote channels.

Usage:
  # Publish to every source in your configuration file
  channelctl publish

  # Publish only to specific sources
  channelctl publish main cloud

  # Publish exactly one version
  channelctl publish --version 2.1.0

  # Use a custom configuration file
  channelctl publish --config /path/to/custom-location.toml

  # Show detailed error information
  channelctl publish --verbose-errors

  # Suppress all output except for errors
  channelctl publish --quiet

If no source IDs are specified, all sources in the configuration file will be
published to.`,
	Run: runPublish,
}

var versionsCmd = &cobra.Command{
	Use:   "versions <source-id> [package-name]",
	Short: "List package names or versions on a remote channel",
	Long: `Connects to a source and lists the remote channel's package names, or,
given a package name, its published versions.

Examples:
  channelctl versions main
  channelctl versions main awesome-package`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runVersions,
}

var indexCmd = &cobra.Command{
	Use:   "index [dir]",
	Short: "Rebuild the local channel's repodata from its packages",
	Long: `Scans the local channel root for package archives and rewrites each
architecture subdirectory's repodata.json (and its compressed twin).

Examples:
  channelctl index
  channelctl index /srv/channel`,
	Args: cobra.MaximumNArgs(1),
	Run:  runIndex,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("channelctl %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for channelctl")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	publishCmd.Flags().String("version", "", "publish exactly this package version")
	publishCmd.Flags().String("root", "", "override the local channel root directory")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for source typos
	sourceGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for common "source" vs "sources" typo
		if strings.HasPrefix(keyStr, "source.") && !strings.HasPrefix(keyStr, "sources.") {
			// Extract the root section (e.g., "source.main" from "source.main.uri")
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1] // "source.main"
				sourceGroups[rootSection]++
			}
		} else {
			// Keep track of keys we couldn't provide suggestions for
			unknown = append(unknown, keyStr)
		}
	}

	// Generate grouped suggestions
	for rootSection, count := range sourceGroups {
		correctedSection := strings.Replace(rootSection, "source.", "sources.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig reads the configuration file, applies environment
// overrides and installs the logger.
func loadConfig(cmd *cobra.Command) (*publish.Config, error) {
	config := publish.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			return nil, err
		}
		return nil, err
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		return nil, errors.New("configuration validation failed")
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}

	// Apply log configuration immediately after config loading
	if err := config.Log.Apply(); err != nil {
		return nil, err
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, err
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func runPublish(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to load configuration", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	if root, _ := cmd.Flags().GetString("root"); root != "" {
		config.Dir = root
	}
	if err := config.Check(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	pkgVersion, _ := cmd.Flags().GetString("version")

	if err := publish.Run(config, args, pkgVersion, quiet); err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("publish run failed", "error", errorMsg)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runVersions(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to load configuration", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	sourceID := args[0]
	source, ok := config.Sources[sourceID]
	if !ok {
		fmt.Printf("Source '%s' not found in configuration.\n\n", sourceID)
		fmt.Println("Available sources:")
		var sourceIDs []string
		for id := range config.Sources {
			sourceIDs = append(sourceIDs, id)
		}
		sort.Strings(sourceIDs)
		for _, id := range sourceIDs {
			fmt.Printf("  - %s\n", id)
		}
		os.Exit(1)
	}

	conn, err := publish.Connect(source.Map(), config.ConnectOptions(true))
	if err != nil {
		slog.Error("failed to connect", "source", sourceID, "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Warn("connection teardown failed", "source", sourceID, "error", err)
		}
	}()

	remote, err := channel.LoadRemote(conn)
	if err != nil {
		slog.Error("failed to load remote channel data", "source", sourceID, "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	var lines []string
	if len(args) > 1 {
		for v := range remote.Versions(args[1]) {
			lines = append(lines, v)
		}
	} else {
		for name := range remote.Names() {
			lines = append(lines, name)
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Println(line)
	}
}

func runIndex(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to load configuration", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	root := config.Dir
	if len(args) > 0 {
		root = args[0]
	}

	if err := channel.BuildIndex(root); err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("index run failed", "error", errorMsg, "root", root)
		os.Exit(1)
	}
	slog.Info("index rebuilt", "root", root)
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := publish.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.TLS.Validate(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "tls config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for sourceID, source := range config.Sources {
		if !publish.IsValidID(sourceID) {
			validationErrors = append(validationErrors, errors.New("invalid source ID: "+sourceID))
		}
		if err := publish.CheckSource(source.Map(), config.Registry.Endpoints()); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "source \""+sourceID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
