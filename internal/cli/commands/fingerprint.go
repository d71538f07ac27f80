package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leaplineage/internal/cli/output"
	"github.com/leapstack-labs/leaplineage/pkg/fingerprint"
)

// fingerprintResult is what the fingerprint command prints.
type fingerprintResult struct {
	Platform    string `json:"platform"`
	Fingerprint string `json:"fingerprint"`
	Normalized  string `json:"normalized"`
	Generalized string `json:"generalized"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand() *cobra.Command {
	var (
		file string
		fast bool
	)

	cmd := &cobra.Command{
		Use:   "fingerprint [sql]",
		Short: "Show the fingerprint that deduplicates a query",
		Long: `Print the fingerprint of a query together with its normalized and
generalized text. Queries that differ only in literals, comments or
whitespace share a fingerprint.`,
		Example: `  leaplineage fingerprint "select * from orders where id = 42"
  leaplineage fingerprint --fast --platform snowflake --file query.sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			sql, err := readSQL(cmd, args, file)
			if err != nil {
				return err
			}
			platform := cc.Cfg.Platform
			res := fingerprintResult{
				Platform:    platform,
				Fingerprint: fingerprint.Fingerprint(sql, platform, fast),
				Normalized:  fingerprint.Normalize(sql, platform),
				Generalized: fingerprint.GeneralizeQuery(sql),
			}

			r := cc.Renderer
			if r.EffectiveMode() != output.ModeText {
				return r.Encode(res)
			}
			r.Printf("Fingerprint: %s\n", res.Fingerprint)
			r.Printf("Normalized:  %s\n", res.Normalized)
			r.Printf("Generalized: %s\n", res.Generalized)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read SQL from a file")
	cmd.Flags().BoolVar(&fast, "fast", false, "Skip parsing and fingerprint the generalized text")
	return cmd
}
