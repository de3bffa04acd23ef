package migrate

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-worker/internal/business"
	"github.com/openkcm/session-worker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Session Worker migrations",
		"Session Worker migrations create the tables of the postgres store",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
