package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-worker/internal/business"
	"github.com/openkcm/session-worker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Session Worker Housekeeping job",
		"Session Worker Housekeeping job sweeps expired authorization requests and refreshes expiring sessions",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
