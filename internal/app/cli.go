package app

import "github.com/spf13/pflag"

// RegisterCommonFlags registers flags shared by every subcommand
func RegisterCommonFlags(flags *pflag.FlagSet) {
	flags.StringP("base-dir", "d", "", "Base directory for index state")
}

// RegisterServeFlags registers flags for the serve subcommand
func RegisterServeFlags(flags *pflag.FlagSet) {
	flags.StringP("host", "H", "", "Host to bind the HTTP server to")
	flags.IntP("port", "p", 0, "Port for the HTTP server")
	flags.StringP("auth-type", "a", "", "Authentication type: none, basic, or apikey")
	flags.StringP("auth-basic-username", "u", "", "Basic auth username")
	flags.StringP("auth-basic-password", "P", "", "Basic auth password")
	flags.StringSliceP("auth-api-keys", "k", nil, "API keys (comma-separated)")
	flags.Duration("reload-interval", 0, "How often to check for a newly committed index generation")
}

// RegisterPopulateFlags registers flags for the populate subcommand
func RegisterPopulateFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Path to the pipeline configuration file (required)")
	flags.Int("retry-max-attempts", 0, "Max attempts per catalog request")
	flags.Duration("retry-wait", 0, "Base wait between catalog request retries")
	flags.Duration("http-timeout", 0, "Timeout per catalog request")
	flags.Int("max-parallel-sources", 0, "Max sources pulled concurrently")
}
