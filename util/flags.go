package util

import (
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to flag names when looking them up in the environment
const EnvPrefix = "SSHFLEET"

// SetFlagsFromEnvVars reads and updates unset flag values from the systemd credentials
// directory or from environment variables with prefix SSHFLEET_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	credsDir, present := os.LookupEnv("CREDENTIALS_DIRECTORY")

	apply := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}

			if present {
				name := flagNameToUpper(f.Name)
				data, e := os.ReadFile(path.Join(credsDir, name))
				if e == nil {
					if err := flags.Set(f.Name, strings.TrimSuffix(string(data), "\n")); err != nil {
						log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
					} else {
						return
					}
				}
			}

			if !v.IsSet(f.Name) {
				return
			}
			if err := flags.Set(f.Name, v.GetString(f.Name)); err != nil {
				log.Infof("unable to configure flag %s using variable %s_%s, err: %v", f.Name, EnvPrefix, flagNameToUpper(f.Name), err)
			}
		})
	}

	apply(cmd.PersistentFlags())
	apply(cmd.Flags())
}

// flagNameToUpper converts a flag name to its corresponding base env name
// replacing dashes by underscores and making the result uppercase
// E.g. log-level -> LOG_LEVEL
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
