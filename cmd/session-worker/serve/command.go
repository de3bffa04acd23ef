package serve

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-worker/internal/business"
	"github.com/openkcm/session-worker/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"serve",
		"Session Worker gRPC server",
		"Session Worker gRPC server owns the session store and answers the auth flow calls of its hosts",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
