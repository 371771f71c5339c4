package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var tplSource string

// templateListing is the JSON shape printed per template.
type templateListing struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	Tasks       int    `json:"tasks"`
}

var templatesListCmd = &cobra.Command{
	Use:   "templates:list",
	Short: "List available workflow templates",
	Long: `List all available workflow templates as JSON.

Shows built-in templates and user templates from the configured
template directory. A user template shadows a builtin with the same ID.

Examples:
  # List all templates
  tendril templates:list

  # Only user-defined templates
  tendril templates:list --source user

  # Parse specific fields with jq
  tendril templates:list | jq '.[].id'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := loadTemplates(cfg.Templates.UserDir)
		if err != nil {
			return err
		}

		listings := make([]templateListing, 0, len(templates))
		for _, t := range templates {
			if tplSource != "" && t.Source.String() != tplSource {
				continue
			}
			listings = append(listings, templateListing{
				ID:          t.ID,
				Name:        t.Name,
				Description: t.Description,
				Source:      t.Source.String(),
				Tasks:       len(t.Tasks),
			})
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	},
}

func init() {
	templatesListCmd.Flags().StringVarP(&tplSource, "source", "s", "", "Filter by template source (built-in or user)")
	rootCmd.AddCommand(templatesListCmd)
}
