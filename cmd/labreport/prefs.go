package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adverant/nexus/labreport-pipeline/internal/models"
	"github.com/adverant/nexus/labreport-pipeline/internal/storage"
)

// preferenceSetters maps the keys accepted by `prefs set` onto Preferences
var preferenceSetters = map[string]func(p *models.Preferences, v string) error{
	"preferRemote": func(p *models.Preferences, v string) error {
		b, err := strconv.ParseBool(v)
		p.Router.PreferRemote = b
		return err
	},
	"allowFallback": func(p *models.Preferences, v string) error {
		b, err := strconv.ParseBool(v)
		p.Router.AllowFallback = b
		return err
	},
	"timeout": func(p *models.Preferences, v string) error {
		d, err := time.ParseDuration(v)
		p.Router.Timeout = d
		return err
	},
	"qualityThreshold": func(p *models.Preferences, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		p.Router.QualityThreshold = f
		return err
	},
	"backgroundUploads": func(p *models.Preferences, v string) error {
		b, err := strconv.ParseBool(v)
		p.BackgroundUploads = b
		return err
	},
	"backgroundSizeThreshold": func(p *models.Preferences, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil && n < 0 {
			err = fmt.Errorf("must not be negative")
		}
		p.BackgroundSizeThreshold = n
		return err
	},
}

// applyPreference sets one key on a copy of prefs and validates the result
func applyPreference(prefs models.Preferences, key, value string) (models.Preferences, error) {
	set, ok := preferenceSetters[key]
	if !ok {
		return prefs, fmt.Errorf("unknown preference %q (known: %s)", key, strings.Join(preferenceKeys(), ", "))
	}
	next := prefs
	if err := set(&next, value); err != nil {
		return prefs, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := next.Router.Validate(); err != nil {
		return prefs, err
	}
	return next, nil
}

func preferenceKeys() []string {
	keys := make([]string, 0, len(preferenceSetters))
	for k := range preferenceSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or change persistent preferences",
	}

	open := func() (*storage.PreferenceFile, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return storage.NewPreferenceFile(cfg.PreferencesFile, cfg.DefaultPreferences()), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			prefs, err := f.Load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			return enc.Encode(prefs)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "set KEY VALUE",
		Short:     "Change one preference",
		Args:      cobra.ExactArgs(2),
		ValidArgs: preferenceKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := open()
			if err != nil {
				return err
			}
			prefs, err := f.Load()
			if err != nil {
				return err
			}
			prefs, err = applyPreference(prefs, args[0], args[1])
			if err != nil {
				return err
			}
			if err := f.Save(prefs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (saved to %s)\n", args[0], args[1], f.Path())
			return nil
		},
	})

	return cmd
}
