// Package flags holds the urfave/cli category labels shared by every
// smartdrive-validator flag, grounded on the teacher's internal/flags
// package (same init-time category assignment for the built-in help/
// version flags).
package flags

import "github.com/urfave/cli/v2"

const (
	IdentityCategory   = "IDENTITY"
	NetworkingCategory = "NETWORKING"
	StorageCategory    = "STORAGE"
	ProtocolCategory   = "PROTOCOL TUNING"
	LoggingCategory    = "LOGGING AND DEBUGGING"
	MiscCategory       = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
