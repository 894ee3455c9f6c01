package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/pgsync/pkg/config"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the resolved plan with passwords redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(flags)
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), plan)
		},
	}
}

func writePlan(w io.Writer, plan *config.Plan) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redactPlan(plan)); err != nil {
		return err
	}
	return enc.Close()
}

// redactPlan returns a copy of plan that is safe to print
func redactPlan(plan *config.Plan) *config.Plan {
	out := *plan
	out.SourceTemplate = config.RedactURI(plan.SourceTemplate)
	out.TargetTemplate = config.RedactURI(plan.TargetTemplate)
	out.DataSourceTemplate = config.RedactURI(plan.DataSourceTemplate)

	out.Databases = make([]config.Database, len(plan.Databases))
	for i, db := range plan.Databases {
		db.SourceURI = config.RedactURI(db.SourceURI)
		db.DataSourceURI = config.RedactURI(db.DataSourceURI)
		db.TargetURI = config.RedactURI(db.TargetURI)
		out.Databases[i] = db
	}

	out.Schema.Env = redactEnv(plan.Schema.Env)
	out.Data.Env = redactEnv(plan.Data.Env)
	return &out
}

func redactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		upper := strings.ToUpper(k)
		if strings.Contains(upper, "PASSWORD") || strings.Contains(upper, "SECRET") || strings.Contains(upper, "TOKEN") {
			v = "xxxxx"
		}
		out[k] = v
	}
	return out
}
